package sender

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/meridianbrokers/courier/internal/store"
)

type noopSender struct{}

func (noopSender) Send(ctx context.Context, msg *store.QueuedMessage) error { return nil }

func TestRegistry_ForChannel(t *testing.T) {
	wa, em, sm := noopSender{}, noopSender{}, noopSender{}
	reg := &Registry{WhatsApp: wa, Email: em, SMS: sm}

	for _, channel := range []store.Channel{store.ChannelWhatsApp, store.ChannelEmail, store.ChannelSMS} {
		if _, err := reg.ForChannel(channel); err != nil {
			t.Errorf("ForChannel(%s) returned error: %v", channel, err)
		}
	}
}

func TestRegistry_ForChannel_Unknown(t *testing.T) {
	reg := &Registry{WhatsApp: noopSender{}, Email: noopSender{}, SMS: noopSender{}}

	_, err := reg.ForChannel("carrier_pigeon")
	if !errors.Is(err, ErrBadPayload) {
		t.Errorf("expected ErrBadPayload for unknown channel, got %v", err)
	}
}

func TestRegistry_ForChannel_NilSender(t *testing.T) {
	reg := &Registry{Email: noopSender{}, SMS: noopSender{}}

	_, err := reg.ForChannel(store.ChannelWhatsApp)
	if !errors.Is(err, ErrBadPayload) {
		t.Errorf("expected ErrBadPayload for unconfigured channel, got %v", err)
	}
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name      string
		channel   store.Channel
		recipient string
		content   string
		wantErr   bool
	}{
		{"valid whatsapp", store.ChannelWhatsApp, `{"phone":"9876543210"}`, `{"message":"hi"}`, false},
		{"whatsapp document only", store.ChannelWhatsApp, `{"phone":"9876543210"}`, `{"document_url":"https://x/doc.pdf"}`, false},
		{"whatsapp no phone", store.ChannelWhatsApp, `{}`, `{"message":"hi"}`, true},
		{"whatsapp no content", store.ChannelWhatsApp, `{"phone":"9876543210"}`, `{}`, true},
		{"valid email", store.ChannelEmail, `{"email":"a@b.com"}`, `{"subject":"s","body":"b"}`, false},
		{"email no subject", store.ChannelEmail, `{"email":"a@b.com"}`, `{"body":"b"}`, true},
		{"email no recipient", store.ChannelEmail, `{}`, `{"subject":"s","body":"b"}`, true},
		{"valid sms", store.ChannelSMS, `{"phone":"9876543210"}`, `{"message":"hi"}`, false},
		{"sms no message", store.ChannelSMS, `{"phone":"9876543210"}`, `{}`, true},
		{"unknown channel", "fax", `{"phone":"9876543210"}`, `{"message":"hi"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.channel, json.RawMessage(tt.recipient), json.RawMessage(tt.content))
			if tt.wantErr && !errors.Is(err, ErrBadPayload) {
				t.Errorf("expected ErrBadPayload, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestAddressOf(t *testing.T) {
	tests := []struct {
		name      string
		channel   store.Channel
		recipient string
		want      string
	}{
		{"whatsapp phone", store.ChannelWhatsApp, `{"phone":"9876543210"}`, "9876543210"},
		{"sms phone", store.ChannelSMS, `{"phone":"9876543210"}`, "9876543210"},
		{"email address", store.ChannelEmail, `{"email":"asha@example.com"}`, "asha@example.com"},
		{"unparseable", store.ChannelEmail, `not json`, ""},
		{"unknown channel", "fax", `{"phone":"1"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AddressOf(tt.channel, json.RawMessage(tt.recipient)); got != tt.want {
				t.Errorf("AddressOf(%s) = %q, want %q", tt.channel, got, tt.want)
			}
		})
	}
}
