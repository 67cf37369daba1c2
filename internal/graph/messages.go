package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const (
	// DefaultPageSize is the messages-per-page bound for inbox listing.
	DefaultPageSize = 25

	// DefaultMaxPages caps a single poll pass; anything unread beyond the
	// cap is picked up on the next tick.
	DefaultMaxPages = 5

	messageSelect = "id,subject,from,toRecipients,receivedDateTime,isRead,hasAttachments"
)

// GetMessage fetches one mail item by provider id. Returns
// ErrMessageNotFound when the mail has been deleted or moved.
func (c *Client) GetMessage(ctx context.Context, mailbox, messageID string) (*Message, error) {
	path := fmt.Sprintf("/users/%s/messages/%s?%s",
		url.PathEscape(mailbox), url.PathEscape(messageID),
		url.Values{"$select": {messageSelect}}.Encode())

	body, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrMessageNotFound
	default:
		return nil, statusError("get message", status, body)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", messageID, err)
	}
	return &msg, nil
}

// ListUnreadMessages pages unread inbox mail, oldest first, up to maxPages
// pages (DefaultMaxPages when <= 0).
func (c *Client) ListUnreadMessages(ctx context.Context, mailbox string, maxPages int) ([]Message, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	q := url.Values{}
	q.Set("$filter", "isRead eq false")
	q.Set("$select", messageSelect)
	q.Set("$top", strconv.Itoa(DefaultPageSize))
	q.Set("$orderby", "receivedDateTime asc")

	next := fmt.Sprintf("/users/%s/mailFolders/inbox/messages?%s", url.PathEscape(mailbox), q.Encode())

	var out []Message
	for page := 0; next != "" && page < maxPages; page++ {
		body, status, err := c.do(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, statusError("list unread messages", status, body)
		}

		var pg messagePage
		if err := json.Unmarshal(body, &pg); err != nil {
			return nil, fmt.Errorf("decode message page: %w", err)
		}
		out = append(out, pg.Value...)
		next = pg.NextLink
	}
	return out, nil
}

// ListAttachments returns the attachments of a message. Content is inlined
// as base64 for small files; large ones come back without ContentBytes.
func (c *Client) ListAttachments(ctx context.Context, mailbox, messageID string) ([]Attachment, error) {
	path := fmt.Sprintf("/users/%s/messages/%s/attachments",
		url.PathEscape(mailbox), url.PathEscape(messageID))

	body, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrMessageNotFound
	default:
		return nil, statusError("list attachments", status, body)
	}

	var pg attachmentPage
	if err := json.Unmarshal(body, &pg); err != nil {
		return nil, fmt.Errorf("decode attachments for %s: %w", messageID, err)
	}
	return pg.Value, nil
}

// FirstPDF returns the name and content of the first PDF attachment on a
// message, fetching the raw content endpoint when the listing did not inline
// it. Returns ErrNoPDFAttachment when the message has none.
func (c *Client) FirstPDF(ctx context.Context, mailbox, messageID string) (string, []byte, error) {
	atts, err := c.ListAttachments(ctx, mailbox, messageID)
	if err != nil {
		return "", nil, err
	}

	for _, a := range atts {
		if !a.IsPDF() {
			continue
		}
		if a.ContentBytes != "" {
			data, err := a.Decode()
			if err != nil {
				return "", nil, fmt.Errorf("decode attachment %s: %w", a.Name, err)
			}
			return a.Name, data, nil
		}

		path := fmt.Sprintf("/users/%s/messages/%s/attachments/%s/$value",
			url.PathEscape(mailbox), url.PathEscape(messageID), url.PathEscape(a.ID))
		body, status, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return "", nil, err
		}
		if status != http.StatusOK {
			return "", nil, statusError("download attachment", status, body)
		}
		return a.Name, body, nil
	}
	return "", nil, ErrNoPDFAttachment
}

// MarkRead flags a message as read so neither the poller nor a webhook
// replay picks it up again.
func (c *Client) MarkRead(ctx context.Context, mailbox, messageID string) error {
	path := fmt.Sprintf("/users/%s/messages/%s",
		url.PathEscape(mailbox), url.PathEscape(messageID))

	body, status, err := c.do(ctx, http.MethodPatch, path, map[string]bool{"isRead": true})
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrMessageNotFound
	default:
		return statusError("mark read", status, body)
	}
}

// SendMail sends an outbound message from the given mailbox. The provider
// accepts asynchronously with 202.
func (c *Client) SendMail(ctx context.Context, mailbox string, msg OutboundMessage) error {
	payload := sendMailRequest{Message: msg, SaveToSentItems: true}
	path := fmt.Sprintf("/users/%s/sendMail", url.PathEscape(mailbox))

	body, status, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return statusError("send mail", status, body)
	}
	return nil
}
