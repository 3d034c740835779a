package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meridianbrokers/courier/internal/store"
)

// WhatsAppConfig holds the gateway connection settings. Everything is
// injected so tests can point the sender at a fake endpoint.
type WhatsAppConfig struct {
	BaseURL     string
	APIToken    string
	SenderID    string
	CountryCode string // prepended to bare 10-digit numbers
	Timeout     time.Duration
}

// WhatsAppSender delivers messages through an external WhatsApp HTTP gateway.
type WhatsAppSender struct {
	client *http.Client
	cfg    WhatsAppConfig
	logger *zap.Logger
}

// NewWhatsAppSender creates a WhatsApp gateway sender.
func NewWhatsAppSender(cfg WhatsAppConfig, logger *zap.Logger) *WhatsAppSender {
	if cfg.CountryCode == "" {
		cfg.CountryCode = "91"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WhatsAppSender{
		client: &http.Client{Timeout: timeout},
		cfg:    cfg,
		logger: logger,
	}
}

// gatewayRequest is the wire shape the gateway accepts. Exactly one of the
// payload kinds is populated per request.
type gatewayRequest struct {
	SenderID string           `json:"sender_id"`
	To       string           `json:"to"`
	Type     string           `json:"type"` // text, template, document
	Text     *gatewayText     `json:"text,omitempty"`
	Document *gatewayDocument `json:"document,omitempty"`
}

type gatewayText struct {
	Body string `json:"body"`
}

type gatewayDocument struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Send posts the message to the gateway. Non-2xx responses are send errors
// and eligible for retry.
func (s *WhatsAppSender) Send(ctx context.Context, msg *store.QueuedMessage) error {
	if msg.Channel != store.ChannelWhatsApp {
		return fmt.Errorf("%w: whatsapp sender got channel %q", ErrBadPayload, msg.Channel)
	}

	var recipient WhatsAppRecipient
	if err := json.Unmarshal(msg.Recipient, &recipient); err != nil {
		return fmt.Errorf("%w: invalid whatsapp recipient: %v", ErrBadPayload, err)
	}
	if recipient.Phone == "" {
		return fmt.Errorf("%w: whatsapp recipient missing phone", ErrBadPayload)
	}

	var content WhatsAppContent
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		return fmt.Errorf("%w: invalid whatsapp content: %v", ErrBadPayload, err)
	}

	req := gatewayRequest{
		SenderID: s.cfg.SenderID,
		To:       FormatPhone(recipient.Phone, s.cfg.CountryCode),
	}

	switch {
	case content.DocumentURL != "":
		req.Type = "document"
		req.Document = &gatewayDocument{
			URL:      content.DocumentURL,
			Filename: content.DocumentName,
			Caption:  RenderTemplate(content.Message, content.TemplateData),
		}
	case len(content.TemplateData) > 0:
		req.Type = "template"
		req.Text = &gatewayText{Body: RenderTemplate(content.Message, content.TemplateData)}
	default:
		if content.Message == "" {
			return fmt.Errorf("%w: whatsapp content missing message", ErrBadPayload)
		}
		req.Type = "text"
		req.Text = &gatewayText{Body: content.Message}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal gateway request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIToken)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("whatsapp gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("whatsapp gateway returned %d: %s", resp.StatusCode, string(preview))
	}

	s.logger.Info("whatsapp message sent",
		zap.String("message_id", msg.ID.String()),
		zap.String("to", req.To),
		zap.String("type", req.Type),
	)

	return nil
}

// FormatPhone strips everything but digits and prepends the country code
// when the cleaned number is exactly 10 digits. Longer numbers pass through
// unchanged.
func FormatPhone(raw, countryCode string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 {
		return countryCode + digits
	}
	return digits
}

// RenderTemplate substitutes {key} placeholders from data. Placeholders with
// no matching key are left as-is.
func RenderTemplate(message string, data map[string]string) string {
	if len(data) == 0 {
		return message
	}
	for key, value := range data {
		message = strings.ReplaceAll(message, "{"+key+"}", value)
	}
	return message
}
