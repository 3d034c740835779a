package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meridianbrokers/courier/internal/store"
)

type mockReportStore struct {
	counts    []store.StatusCount
	countsErr error
	latency   *float64
}

func (m *mockReportStore) DeliveryStatusCounts(ctx context.Context, start, end time.Time) ([]store.StatusCount, error) {
	return m.counts, m.countsErr
}

func (m *mockReportStore) AvgDeliveryLatency(ctx context.Context, start, end time.Time) (*float64, error) {
	return m.latency, nil
}

func TestBuild_PerChannelStats(t *testing.T) {
	counts := []store.StatusCount{
		{Channel: store.ChannelEmail, Status: store.DeliverySent, Count: 2},
		{Channel: store.ChannelEmail, Status: store.DeliveryFailed, Count: 1},
		{Channel: store.ChannelWhatsApp, Status: store.DeliverySent, Count: 5},
	}

	rep := Build(counts)

	email := rep.ByType["email"]
	if email.Total != 3 {
		t.Errorf("email total = %d, want 3", email.Total)
	}
	if email.Sent != 2 {
		t.Errorf("email sent = %d, want 2", email.Sent)
	}
	if email.Failed != 1 {
		t.Errorf("email failed = %d, want 1", email.Failed)
	}
	if email.SuccessRate != 66.67 {
		t.Errorf("email success_rate = %v, want 66.67", email.SuccessRate)
	}

	wa := rep.ByType["whatsapp"]
	if wa.Total != 5 || wa.Sent != 5 {
		t.Errorf("whatsapp stats = %+v", wa)
	}
	if wa.SuccessRate != 100 {
		t.Errorf("whatsapp success_rate = %v, want 100", wa.SuccessRate)
	}
}

func TestBuild_OverallTotals(t *testing.T) {
	counts := []store.StatusCount{
		{Channel: store.ChannelEmail, Status: store.DeliverySent, Count: 2},
		{Channel: store.ChannelEmail, Status: store.DeliveryFailed, Count: 1},
		{Channel: store.ChannelSMS, Status: store.DeliverySent, Count: 1},
		{Channel: store.ChannelSMS, Status: store.DeliveryPending, Count: 1},
		{Channel: store.ChannelWhatsApp, Status: store.DeliveryDelivered, Count: 3},
	}

	rep := Build(counts)

	if rep.TotalSent != 8 {
		t.Errorf("total = %d, want 8", rep.TotalSent)
	}
	if rep.ByStatus["sent"] != 3 {
		t.Errorf("by_status[sent] = %d, want 3", rep.ByStatus["sent"])
	}
	if rep.ByStatus["failed"] != 1 {
		t.Errorf("by_status[failed] = %d, want 1", rep.ByStatus["failed"])
	}
	// 3 sent of 8 records
	if rep.SuccessRate != 37.5 {
		t.Errorf("success_rate = %v, want 37.5", rep.SuccessRate)
	}
}

func TestBuild_EmptyWindow(t *testing.T) {
	rep := Build(nil)

	if rep.TotalSent != 0 {
		t.Errorf("total = %d, want 0", rep.TotalSent)
	}
	// Exactly zero, never NaN
	if rep.SuccessRate != 0 {
		t.Errorf("success_rate = %v, want 0", rep.SuccessRate)
	}
	if len(rep.ByType) != 0 {
		t.Errorf("by_type should be empty, got %v", rep.ByType)
	}
}

func TestBuild_RateRounding(t *testing.T) {
	counts := []store.StatusCount{
		{Channel: store.ChannelSMS, Status: store.DeliverySent, Count: 1},
		{Channel: store.ChannelSMS, Status: store.DeliveryFailed, Count: 2},
	}

	rep := Build(counts)

	// 1/3 rounds to two decimals
	if rep.ByType["sms"].SuccessRate != 33.33 {
		t.Errorf("success_rate = %v, want 33.33", rep.ByType["sms"].SuccessRate)
	}
}

func TestReporter_DeliveryReport(t *testing.T) {
	latency := 42.4567
	st := &mockReportStore{
		counts: []store.StatusCount{
			{Channel: store.ChannelEmail, Status: store.DeliverySent, Count: 4},
		},
		latency: &latency,
	}

	r := NewReporter(st)
	start := time.Now().Add(-time.Hour)
	end := time.Now()

	rep, err := r.DeliveryReport(context.Background(), start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !rep.Start.Equal(start) || !rep.End.Equal(end) {
		t.Error("window not echoed back")
	}
	if rep.AvgDeliverySeconds == nil || *rep.AvgDeliverySeconds != 42.46 {
		t.Errorf("avg_delivery_seconds = %v, want 42.46", rep.AvgDeliverySeconds)
	}
}

func TestReporter_DeliveryReport_NoLatencyData(t *testing.T) {
	st := &mockReportStore{}

	r := NewReporter(st)
	rep, err := r.DeliveryReport(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.AvgDeliverySeconds != nil {
		t.Errorf("expected nil latency with no delivered messages, got %v", *rep.AvgDeliverySeconds)
	}
}

func TestReporter_DeliveryReport_StoreError(t *testing.T) {
	st := &mockReportStore{countsErr: errors.New("connection reset")}

	r := NewReporter(st)
	if _, err := r.DeliveryReport(context.Background(), time.Now().Add(-time.Hour), time.Now()); err == nil {
		t.Fatal("expected error when store fails")
	}
}
