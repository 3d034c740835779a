package sender

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/meridianbrokers/courier/internal/store"
)

// emailTemplates maps an email_type to the template name recorded on the
// outgoing message. Unknown types fall back to defaultEmailTemplate.
var emailTemplates = map[string]string{
	"quotation":       "emails.quotation",
	"policy_issued":   "emails.policy-issued",
	"policy_renewal":  "emails.policy-renewal",
	"claim_update":    "emails.claim-update",
	"payment_receipt": "emails.payment-receipt",
}

const defaultEmailTemplate = "emails.generic"

// TemplateForEmailType resolves the template name for an email type.
func TemplateForEmailType(emailType string) string {
	if name, ok := emailTemplates[emailType]; ok {
		return name
	}
	return defaultEmailTemplate
}

// EmailConfig holds the SES sender settings.
type EmailConfig struct {
	Region    string
	FromEmail string
}

// EmailSender delivers email via AWS SES. Raw MIME is used so attachments
// and the trace headers survive.
type EmailSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

// NewEmailSender creates an SES-backed email sender.
func NewEmailSender(ctx context.Context, cfg EmailConfig, logger *zap.Logger) (*EmailSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &EmailSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send builds the MIME message and hands it to SES.
func (s *EmailSender) Send(ctx context.Context, msg *store.QueuedMessage) error {
	if msg.Channel != store.ChannelEmail {
		return fmt.Errorf("%w: email sender got channel %q", ErrBadPayload, msg.Channel)
	}

	var recipient EmailRecipient
	if err := json.Unmarshal(msg.Recipient, &recipient); err != nil || recipient.Email == "" {
		return fmt.Errorf("%w: email recipient missing email", ErrBadPayload)
	}

	var content EmailContent
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		return fmt.Errorf("%w: invalid email content: %v", ErrBadPayload, err)
	}
	if content.Subject == "" || content.Body == "" {
		return fmt.Errorf("%w: email content missing subject or body", ErrBadPayload)
	}

	raw, err := buildRawEmail(s.from, recipient.Email, &content, msg.Priority)
	if err != nil {
		return fmt.Errorf("build raw email: %w", err)
	}

	result, err := s.client.SendRawEmail(ctx, &ses.SendRawEmailInput{
		RawMessage:   &types.RawMessage{Data: raw},
		Source:       aws.String(s.from),
		Destinations: []string{recipient.Email},
	})
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("message_id", msg.ID.String()),
		zap.String("to", recipient.Email),
		zap.String("ses_message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// buildRawEmail assembles a multipart/mixed MIME message with the channel
// trace headers and any file attachments.
func buildRawEmail(from, to string, content *EmailContent, priority int) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	headers := [][2]string{
		{"From", from},
		{"To", to},
		{"Subject", mime.QEncoding.Encode("UTF-8", content.Subject)},
		{"MIME-Version", "1.0"},
		{"Content-Type", `multipart/mixed; boundary="` + writer.Boundary() + `"`},
		{"X-Courier-Template", TemplateForEmailType(content.EmailType)},
		{"X-Courier-Priority", strconv.Itoa(priority)},
	}
	if content.CustomerID != "" {
		headers = append(headers, [2]string{"X-Courier-Customer-ID", content.CustomerID})
	}
	if content.ReferenceID != "" {
		headers = append(headers, [2]string{"X-Courier-Reference-ID", content.ReferenceID})
	}
	if content.MessageType != "" {
		headers = append(headers, [2]string{"X-Courier-Message-Type", content.MessageType})
	}
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h[0], h[1])
	}
	buf.WriteString("\r\n")

	bodyHeader := textproto.MIMEHeader{}
	bodyHeader.Set("Content-Type", `text/plain; charset="UTF-8"`)
	bodyPart, err := writer.CreatePart(bodyHeader)
	if err != nil {
		return nil, fmt.Errorf("create body part: %w", err)
	}
	if _, err := bodyPart.Write([]byte(content.Body)); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}

	for _, att := range content.Attachments {
		data, err := os.ReadFile(att.Path)
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", att.Path, err)
		}

		name := att.Name
		if name == "" {
			name = filepath.Base(att.Path)
		}
		mimeType := att.Mime
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		partHeader := textproto.MIMEHeader{}
		partHeader.Set("Content-Type", mimeType)
		partHeader.Set("Content-Transfer-Encoding", "base64")
		partHeader.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))

		part, err := writer.CreatePart(partHeader)
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		encoded := base64.StdEncoding.EncodeToString(data)
		if _, err := part.Write([]byte(encoded)); err != nil {
			return nil, fmt.Errorf("write attachment: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	return buf.Bytes(), nil
}
