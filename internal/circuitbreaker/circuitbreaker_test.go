package circuitbreaker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianbrokers/courier/internal/store"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := New(DefaultConfig("whatsapp"), zap.NewNop())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed while closed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "email", MaxFailures: 3, RecoveryTimeout: 5 * time.Second}, zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen after 3 failures, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("open circuit must reject requests")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "email", MaxFailures: 3}, zap.NewNop())

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	if cb.GetState() != StateClosed {
		t.Fatal("success between failures should keep the circuit closed")
	}
}

func TestCircuitBreaker_RecoveryProbe(t *testing.T) {
	cb := New(Config{Name: "sms", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	time.Sleep(60 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("should allow a probe after the recovery timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
	// Only one probe at a time
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}

	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("successful probe should close the circuit, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := New(Config{Name: "sms", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()

	if cb.GetState() != StateOpen {
		t.Fatalf("failed probe should re-open the circuit, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{Name: "whatsapp", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, zap.NewNop())

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(Config{Name: "whatsapp", MaxFailures: 5}, zap.NewNop())

	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()

	stats := cb.Stats()
	if stats.Name != "whatsapp" {
		t.Errorf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 3 {
		t.Errorf("total_requests = %d", stats.TotalRequests)
	}
	if stats.TotalSuccesses != 2 {
		t.Errorf("total_successes = %d", stats.TotalSuccesses)
	}
	if stats.TotalFailures != 1 {
		t.Errorf("total_failures = %d", stats.TotalFailures)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

// --- ProtectedSender tests ---

type stubSender struct {
	sendErr   error
	sendCalls int
}

func (s *stubSender) Send(ctx context.Context, msg *store.QueuedMessage) error {
	s.sendCalls++
	return s.sendErr
}

func protectedMessage() *store.QueuedMessage {
	return &store.QueuedMessage{
		ID:        uuid.New(),
		Channel:   store.ChannelWhatsApp,
		Recipient: json.RawMessage(`{"phone":"9876543210"}`),
		Content:   json.RawMessage(`{"message":"hi"}`),
	}
}

func TestProtectedSender_PassesThrough(t *testing.T) {
	stub := &stubSender{}
	ps := NewProtectedSender(stub, New(DefaultConfig("whatsapp"), zap.NewNop()), zap.NewNop())

	if err := ps.Send(context.Background(), protectedMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.sendCalls != 1 {
		t.Fatalf("expected 1 send call, got %d", stub.sendCalls)
	}
	if ps.Breaker().Stats().TotalSuccesses != 1 {
		t.Error("expected success recorded on breaker")
	}
}

func TestProtectedSender_FailFastWhenOpen(t *testing.T) {
	stub := &stubSender{sendErr: errors.New("gateway down")}
	ps := NewProtectedSender(stub, New(Config{Name: "whatsapp", MaxFailures: 2, RecoveryTimeout: time.Minute}, zap.NewNop()), zap.NewNop())

	msg := protectedMessage()
	_ = ps.Send(context.Background(), msg)
	_ = ps.Send(context.Background(), msg)

	stub.sendCalls = 0
	err := ps.Send(context.Background(), msg)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if stub.sendCalls != 0 {
		t.Fatalf("sender called %d times while circuit open", stub.sendCalls)
	}
}

func TestProtectedSender_RecoversAfterTimeout(t *testing.T) {
	stub := &stubSender{sendErr: errors.New("SES down")}
	ps := NewProtectedSender(stub, New(Config{Name: "email", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop()), zap.NewNop())

	msg := protectedMessage()
	_ = ps.Send(context.Background(), msg)
	_ = ps.Send(context.Background(), msg)
	if ps.Breaker().GetState() != StateOpen {
		t.Fatalf("expected open circuit, got %s", ps.Breaker().GetState())
	}

	time.Sleep(60 * time.Millisecond)
	stub.sendErr = nil

	if err := ps.Send(context.Background(), msg); err != nil {
		t.Fatalf("probe should succeed: %v", err)
	}
	if ps.Breaker().GetState() != StateClosed {
		t.Fatalf("expected closed circuit after recovery, got %s", ps.Breaker().GetState())
	}
}
