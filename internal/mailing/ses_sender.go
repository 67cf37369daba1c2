package mailing

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/invoice-relay/internal/pkg/breaker"
)

// SESBreakerName guards outbound SES sends.
const SESBreakerName = "ses"

// sesAPI is the slice of the SES v2 client the sender needs.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender delivers mail through Amazon SES v2. Messages go out as raw
// MIME because the simple content API cannot carry attachments.
type SESSender struct {
	client   sesAPI
	from     string
	breakers *breaker.Registry
}

// NewSESSender builds the SES transport. from must be a verified SES
// identity in region.
func NewSESSender(ctx context.Context, region, from string, breakers *breaker.Registry) (*SESSender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &SESSender{
		client:   sesv2.NewFromConfig(awsCfg),
		from:     from,
		breakers: breakers,
	}, nil
}

func (s *SESSender) Send(ctx context.Context, mail *OutboundMail) error {
	raw, err := buildRawMessage(s.from, mail)
	if err != nil {
		return fmt.Errorf("building MIME message: %w", err)
	}

	err = s.breakers.Do(SESBreakerName, func() error {
		_, sendErr := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(s.from),
			Destination:      &sestypes.Destination{ToAddresses: []string{mail.To}},
			Content: &sestypes.EmailContent{
				Raw: &sestypes.RawMessage{Data: raw},
			},
		})
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("sending mail via SES: %w", err)
	}
	return nil
}

// buildRawMessage assembles an RFC 822 message: quoted-printable text part
// plus a base64 attachment part under multipart/mixed.
func buildRawMessage(from string, mail *OutboundMail) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", mail.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", mail.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", w.Boundary())

	text, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {`text/plain; charset="UTF-8"`},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, err
	}
	qp := quotedprintable.NewWriter(text)
	if _, err := qp.Write([]byte(mail.Body)); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}

	if len(mail.Attachment) > 0 {
		name := mail.AttachmentName
		if name == "" {
			name = "invoice.pdf"
		}
		ctype := mail.AttachmentType
		if ctype == "" {
			ctype = "application/pdf"
		}
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {fmt.Sprintf("%s; name=%q", ctype, name)},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", name)},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64(part, mail.Attachment); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64 emits base64 in 76-character lines per RFC 2045.
func writeBase64(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 0 {
		n := 76
		if n > len(enc) {
			n = len(enc)
		}
		if _, err := fmt.Fprintf(w, "%s\r\n", enc[:n]); err != nil {
			return err
		}
		enc = enc[n:]
	}
	return nil
}
