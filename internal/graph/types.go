package graph

import (
	"encoding/base64"
	"strings"
	"time"
)

// Message is a mail item as returned by the provider. Only the fields the
// pipeline reads are selected; everything else stays on the wire.
type Message struct {
	ID               string      `json:"id"`
	Subject          string      `json:"subject"`
	From             *Recipient  `json:"from,omitempty"`
	ToRecipients     []Recipient `json:"toRecipients,omitempty"`
	ReceivedDateTime time.Time   `json:"receivedDateTime"`
	IsRead           bool        `json:"isRead"`
	HasAttachments   bool        `json:"hasAttachments"`
}

// SenderAddress returns the from address, or "" when the provider omitted it
// (drafts and some bounce notifications carry no from header).
func (m *Message) SenderAddress() string {
	if m.From == nil {
		return ""
	}
	return m.From.EmailAddress.Address
}

// Recipient wraps an email address the way the provider nests it.
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

// EmailAddress is a name/address pair.
type EmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// NewRecipient builds a Recipient for an outbound message.
func NewRecipient(address string) Recipient {
	return Recipient{EmailAddress: EmailAddress{Address: address}}
}

// Attachment is a message attachment as listed by the provider. ContentBytes
// is base64 and may be empty for large attachments, in which case the raw
// content endpoint has to be fetched separately.
type Attachment struct {
	ODataType    string `json:"@odata.type"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int    `json:"size"`
	ContentBytes string `json:"contentBytes,omitempty"`
}

// IsPDF reports whether the attachment looks like a PDF, by content type or
// by file extension (some senders ship PDFs as application/octet-stream).
func (a Attachment) IsPDF() bool {
	if strings.EqualFold(a.ContentType, "application/pdf") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(a.Name), ".pdf")
}

// Decode returns the attachment content decoded from base64.
func (a Attachment) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.ContentBytes)
}

// OutboundMessage is the message body for sendMail.
type OutboundMessage struct {
	Subject      string           `json:"subject"`
	Body         MessageBody      `json:"body"`
	ToRecipients []Recipient      `json:"toRecipients"`
	Attachments  []FileAttachment `json:"attachments,omitempty"`
}

// MessageBody carries the rendered body. ContentType is "Text" or "HTML".
type MessageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// FileAttachment is an inline file attachment on an outbound message.
type FileAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// NewFileAttachment base64-encodes data into a provider file attachment.
func NewFileAttachment(name, contentType string, data []byte) FileAttachment {
	return FileAttachment{
		ODataType:    "#microsoft.graph.fileAttachment",
		Name:         name,
		ContentType:  contentType,
		ContentBytes: base64.StdEncoding.EncodeToString(data),
	}
}

type sendMailRequest struct {
	Message         OutboundMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// Subscription is a change-notification subscription on a mailbox.
type Subscription struct {
	ID                       string    `json:"id,omitempty"`
	Resource                 string    `json:"resource"`
	ChangeType               string    `json:"changeType"`
	NotificationURL          string    `json:"notificationUrl"`
	LifecycleNotificationURL string    `json:"lifecycleNotificationUrl,omitempty"`
	ClientState              string    `json:"clientState,omitempty"`
	ExpirationDateTime       time.Time `json:"expirationDateTime"`
}

type messagePage struct {
	Value    []Message `json:"value"`
	NextLink string    `json:"@odata.nextLink"`
}

type attachmentPage struct {
	Value []Attachment `json:"value"`
}
