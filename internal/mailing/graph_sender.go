package mailing

import (
	"context"

	"github.com/ignite/invoice-relay/internal/graph"
)

// graphMailer is the slice of the Graph client the sender needs.
type graphMailer interface {
	SendMail(ctx context.Context, mailbox string, msg graph.OutboundMessage) error
}

// GraphSender delivers mail through the Graph sendMail endpoint, sending
// as the ingest mailbox user so replies land back in the pipeline.
type GraphSender struct {
	client  graphMailer
	mailbox string
}

// NewGraphSender builds the Graph transport. mailbox is the sending user,
// normally the ingest mailbox.
func NewGraphSender(client *graph.Client, mailbox string) *GraphSender {
	return &GraphSender{client: client, mailbox: mailbox}
}

func (s *GraphSender) Send(ctx context.Context, mail *OutboundMail) error {
	msg := graph.OutboundMessage{
		Subject:      mail.Subject,
		Body:         graph.MessageBody{ContentType: "Text", Content: mail.Body},
		ToRecipients: []graph.Recipient{graph.NewRecipient(mail.To)},
	}
	if len(mail.Attachment) > 0 {
		msg.Attachments = []graph.FileAttachment{
			graph.NewFileAttachment(mail.AttachmentName, mail.AttachmentType, mail.Attachment),
		}
	}
	return s.client.SendMail(ctx, s.mailbox, msg)
}
