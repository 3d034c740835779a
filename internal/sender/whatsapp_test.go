package sender

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianbrokers/courier/internal/store"
)

func TestFormatPhone(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		countryCode string
		want        string
	}{
		{"bare 10 digits gets country code", "9876543210", "91", "919876543210"},
		{"formatted number is cleaned first", "(987) 654-3210", "91", "919876543210"},
		{"spaces and dashes stripped", "98765 432-10", "91", "919876543210"},
		{"12 digits passes through", "919876543210", "91", "919876543210"},
		{"plus prefix stripped", "+919876543210", "91", "919876543210"},
		{"short number passes through", "12345", "91", "12345"},
		{"different country code", "5551234567", "1", "15551234567"},
		{"empty input", "", "91", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatPhone(tt.raw, tt.countryCode); got != tt.want {
				t.Errorf("FormatPhone(%q, %q) = %q, want %q", tt.raw, tt.countryCode, got, tt.want)
			}
		})
	}
}

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name    string
		message string
		data    map[string]string
		want    string
	}{
		{
			"substitutes placeholders",
			"Hello {name}, your policy {policy_no} is ready",
			map[string]string{"name": "Asha", "policy_no": "POL-1042"},
			"Hello Asha, your policy POL-1042 is ready",
		},
		{
			"unknown placeholder left as-is",
			"Hello {name}, ref {missing}",
			map[string]string{"name": "Asha"},
			"Hello Asha, ref {missing}",
		},
		{
			"nil data returns message unchanged",
			"Hello {name}",
			nil,
			"Hello {name}",
		},
		{
			"repeated placeholder",
			"{n} and {n}",
			map[string]string{"n": "x"},
			"x and x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderTemplate(tt.message, tt.data); got != tt.want {
				t.Errorf("RenderTemplate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func whatsappMessage(recipient, content string) *store.QueuedMessage {
	return &store.QueuedMessage{
		ID:        uuid.New(),
		Channel:   store.ChannelWhatsApp,
		Recipient: json.RawMessage(recipient),
		Content:   json.RawMessage(content),
		Priority:  5,
	}
}

func TestWhatsAppSender_Send_Text(t *testing.T) {
	var got gatewayRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode gateway request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWhatsAppSender(WhatsAppConfig{
		BaseURL:     srv.URL,
		APIToken:    "test-token",
		SenderID:    "meridian",
		CountryCode: "91",
	}, zap.NewNop())

	msg := whatsappMessage(`{"phone":"9876543210"}`, `{"message":"Your claim was approved"}`)
	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if auth != "Bearer test-token" {
		t.Errorf("expected bearer auth, got %q", auth)
	}
	if got.To != "919876543210" {
		t.Errorf("expected formatted phone 919876543210, got %q", got.To)
	}
	if got.Type != "text" {
		t.Errorf("expected type text, got %q", got.Type)
	}
	if got.Text == nil || got.Text.Body != "Your claim was approved" {
		t.Errorf("unexpected text payload: %+v", got.Text)
	}
}

func TestWhatsAppSender_Send_Template(t *testing.T) {
	var got gatewayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWhatsAppSender(WhatsAppConfig{BaseURL: srv.URL}, zap.NewNop())

	msg := whatsappMessage(
		`{"phone":"9876543210"}`,
		`{"message":"Hi {name}, premium due {date}","template_data":{"name":"Ravi","date":"2026-09-15"}}`,
	)
	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.Type != "template" {
		t.Errorf("expected type template, got %q", got.Type)
	}
	if got.Text == nil || got.Text.Body != "Hi Ravi, premium due 2026-09-15" {
		t.Errorf("template not rendered: %+v", got.Text)
	}
}

func TestWhatsAppSender_Send_Document(t *testing.T) {
	var got gatewayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWhatsAppSender(WhatsAppConfig{BaseURL: srv.URL}, zap.NewNop())

	msg := whatsappMessage(
		`{"phone":"9876543210"}`,
		`{"message":"Policy schedule attached","document_url":"https://files.example.com/policy.pdf","document_name":"policy.pdf"}`,
	)
	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.Type != "document" {
		t.Errorf("expected type document, got %q", got.Type)
	}
	if got.Document == nil || got.Document.URL != "https://files.example.com/policy.pdf" {
		t.Errorf("unexpected document payload: %+v", got.Document)
	}
	if got.Document.Filename != "policy.pdf" {
		t.Errorf("expected filename policy.pdf, got %q", got.Document.Filename)
	}
}

func TestWhatsAppSender_Send_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	s := NewWhatsAppSender(WhatsAppConfig{BaseURL: srv.URL}, zap.NewNop())

	msg := whatsappMessage(`{"phone":"9876543210"}`, `{"message":"hello"}`)
	err := s.Send(context.Background(), msg)
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	// Gateway errors are transient, not configuration problems
	if errors.Is(err, ErrBadPayload) {
		t.Error("gateway error must stay retryable")
	}
}

func TestWhatsAppSender_Send_BadPayloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway must not be called for bad payloads")
	}))
	defer srv.Close()

	s := NewWhatsAppSender(WhatsAppConfig{BaseURL: srv.URL}, zap.NewNop())

	tests := []struct {
		name      string
		recipient string
		content   string
	}{
		{"missing phone", `{}`, `{"message":"hello"}`},
		{"invalid recipient json", `not json`, `{"message":"hello"}`},
		{"empty message", `{"phone":"9876543210"}`, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := whatsappMessage(tt.recipient, tt.content)
			err := s.Send(context.Background(), msg)
			if !errors.Is(err, ErrBadPayload) {
				t.Errorf("expected ErrBadPayload, got %v", err)
			}
		})
	}
}

func TestWhatsAppSender_Send_WrongChannel(t *testing.T) {
	s := NewWhatsAppSender(WhatsAppConfig{BaseURL: "http://unused"}, zap.NewNop())

	msg := whatsappMessage(`{"phone":"9876543210"}`, `{"message":"hello"}`)
	msg.Channel = store.ChannelEmail

	if err := s.Send(context.Background(), msg); !errors.Is(err, ErrBadPayload) {
		t.Errorf("expected ErrBadPayload for wrong channel, got %v", err)
	}
}
