// Package mailing composes and delivers outbound invoice mail: a
// deterministic plain-text body rendered from a Liquid template, the
// original PDF attached, sent through Microsoft Graph or Amazon SES.
package mailing

import "context"

// OutboundMail is one fully composed message ready for delivery.
type OutboundMail struct {
	To             string
	Subject        string
	Body           string
	AttachmentName string
	AttachmentType string
	Attachment     []byte
}

// MailSender delivers composed mail. Implementations are safe for
// concurrent use.
type MailSender interface {
	Send(ctx context.Context, mail *OutboundMail) error
}
