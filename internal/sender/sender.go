package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meridianbrokers/courier/internal/store"
)

// ErrBadPayload marks a recipient or content shape that can never be sent.
// The dispatcher does not retry these; retrying will not fix bad
// configuration.
var ErrBadPayload = errors.New("bad message payload")

// Sender is the capability every channel adapter implements. A failed send
// returns an error; delivery is at-least-once and no provider-side
// deduplication is assumed.
type Sender interface {
	Send(ctx context.Context, msg *store.QueuedMessage) error
}

// Registry holds one sender per channel. The dispatcher switches over the
// channel exhaustively, so adding a channel is a compile-checked change.
type Registry struct {
	WhatsApp Sender
	Email    Sender
	SMS      Sender
}

// ForChannel resolves the sender for a channel. A nil sender or unknown
// channel is a configuration problem for the caller to handle.
func (r *Registry) ForChannel(channel store.Channel) (Sender, error) {
	var s Sender
	switch channel {
	case store.ChannelWhatsApp:
		s = r.WhatsApp
	case store.ChannelEmail:
		s = r.Email
	case store.ChannelSMS:
		s = r.SMS
	default:
		return nil, fmt.Errorf("%w: unrecognized channel %q", ErrBadPayload, channel)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: no sender configured for channel %q", ErrBadPayload, channel)
	}
	return s, nil
}

// WhatsAppRecipient addresses a WhatsApp message.
type WhatsAppRecipient struct {
	Phone string `json:"phone"`
}

// EmailRecipient addresses an email message.
type EmailRecipient struct {
	Email string `json:"email"`
}

// SMSRecipient addresses an SMS message.
type SMSRecipient struct {
	Phone string `json:"phone"`
}

// WhatsAppContent is the WhatsApp payload. When DocumentURL is set the
// gateway receives a document message; when TemplateData is set, {key}
// placeholders in Message are substituted before sending.
type WhatsAppContent struct {
	Message      string            `json:"message"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	DocumentURL  string            `json:"document_url,omitempty"`
	DocumentName string            `json:"document_name,omitempty"`
}

// Attachment references a file to attach to an email.
type Attachment struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// EmailContent is the email payload. The trace fields end up as
// X-Courier-* headers on the outgoing message.
type EmailContent struct {
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	EmailType   string       `json:"email_type,omitempty"`
	CustomerID  string       `json:"customer_id,omitempty"`
	ReferenceID string       `json:"reference_id,omitempty"`
	MessageType string       `json:"message_type,omitempty"`
}

// SMSContent is the SMS payload.
type SMSContent struct {
	Message string `json:"message"`
}

// ValidatePayload checks recipient and content shapes at the queue boundary
// so malformed messages are rejected before they are persisted.
func ValidatePayload(channel store.Channel, recipient, content json.RawMessage) error {
	switch channel {
	case store.ChannelWhatsApp:
		var r WhatsAppRecipient
		if err := json.Unmarshal(recipient, &r); err != nil || r.Phone == "" {
			return fmt.Errorf("%w: whatsapp recipient needs a phone", ErrBadPayload)
		}
		var c WhatsAppContent
		if err := json.Unmarshal(content, &c); err != nil {
			return fmt.Errorf("%w: invalid whatsapp content: %v", ErrBadPayload, err)
		}
		if c.Message == "" && c.DocumentURL == "" {
			return fmt.Errorf("%w: whatsapp content needs a message or document_url", ErrBadPayload)
		}
	case store.ChannelEmail:
		var r EmailRecipient
		if err := json.Unmarshal(recipient, &r); err != nil || r.Email == "" {
			return fmt.Errorf("%w: email recipient needs an email", ErrBadPayload)
		}
		var c EmailContent
		if err := json.Unmarshal(content, &c); err != nil {
			return fmt.Errorf("%w: invalid email content: %v", ErrBadPayload, err)
		}
		if c.Subject == "" || c.Body == "" {
			return fmt.Errorf("%w: email content needs subject and body", ErrBadPayload)
		}
	case store.ChannelSMS:
		var r SMSRecipient
		if err := json.Unmarshal(recipient, &r); err != nil || r.Phone == "" {
			return fmt.Errorf("%w: sms recipient needs a phone", ErrBadPayload)
		}
		var c SMSContent
		if err := json.Unmarshal(content, &c); err != nil || c.Message == "" {
			return fmt.Errorf("%w: sms content needs a message", ErrBadPayload)
		}
	default:
		return fmt.Errorf("%w: unrecognized channel %q", ErrBadPayload, channel)
	}
	return nil
}

// AddressOf flattens a recipient payload to a single address string for the
// delivery log. Returns "" when the payload does not parse.
func AddressOf(channel store.Channel, recipient json.RawMessage) string {
	switch channel {
	case store.ChannelWhatsApp, store.ChannelSMS:
		var r WhatsAppRecipient
		if err := json.Unmarshal(recipient, &r); err == nil {
			return r.Phone
		}
	case store.ChannelEmail:
		var r EmailRecipient
		if err := json.Unmarshal(recipient, &r); err == nil {
			return r.Email
		}
	}
	return ""
}
