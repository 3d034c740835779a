// Package report aggregates delivery status records into time-windowed
// success and failure statistics per channel.
package report

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/meridianbrokers/courier/internal/store"
)

// Store is the slice of the message store the reporter reads from.
type Store interface {
	DeliveryStatusCounts(ctx context.Context, start, end time.Time) ([]store.StatusCount, error)
	AvgDeliveryLatency(ctx context.Context, start, end time.Time) (*float64, error)
}

// ChannelStats is the per-channel breakdown in a delivery report.
type ChannelStats struct {
	Total       int     `json:"total"`
	Sent        int     `json:"sent"`
	Delivered   int     `json:"delivered"`
	Failed      int     `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// Report is the delivery report over one time window.
type Report struct {
	Start              time.Time               `json:"start"`
	End                time.Time               `json:"end"`
	TotalSent          int                     `json:"total_sent"`
	SuccessRate        float64                 `json:"success_rate"`
	ByType             map[string]ChannelStats `json:"by_type"`
	ByStatus           map[string]int          `json:"by_status"`
	AvgDeliverySeconds *float64                `json:"avg_delivery_seconds,omitempty"`
}

// Reporter builds delivery reports from the delivery status log.
type Reporter struct {
	store Store
}

// NewReporter creates a Reporter.
func NewReporter(st Store) *Reporter {
	return &Reporter{store: st}
}

// DeliveryReport aggregates records created within [start, end] inclusive.
func (r *Reporter) DeliveryReport(ctx context.Context, start, end time.Time) (*Report, error) {
	counts, err := r.store.DeliveryStatusCounts(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("delivery status counts: %w", err)
	}

	avg, err := r.store.AvgDeliveryLatency(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("delivery latency: %w", err)
	}

	rep := Build(counts)
	rep.Start = start
	rep.End = end
	if avg != nil {
		rounded := round2(*avg)
		rep.AvgDeliverySeconds = &rounded
	}
	return rep, nil
}

// Build computes the report shape from (channel, status) buckets. Success
// rate is count(sent) / total * 100, rounded to two decimals, and exactly 0
// for an empty window.
func Build(counts []store.StatusCount) *Report {
	rep := &Report{
		ByType:   make(map[string]ChannelStats),
		ByStatus: make(map[string]int),
	}

	totalSent := 0
	for _, c := range counts {
		rep.ByStatus[c.Status] += c.Count

		stats := rep.ByType[string(c.Channel)]
		stats.Total += c.Count
		switch c.Status {
		case store.DeliverySent:
			stats.Sent += c.Count
			totalSent += c.Count
		case store.DeliveryDelivered:
			stats.Delivered += c.Count
		case store.DeliveryFailed:
			stats.Failed += c.Count
		case store.DeliveryPending:
			stats.Pending += c.Count
		}
		rep.ByType[string(c.Channel)] = stats
	}

	total := 0
	for _, n := range rep.ByStatus {
		total += n
	}
	rep.TotalSent = total
	rep.SuccessRate = successRate(totalSent, total)

	for channel, stats := range rep.ByType {
		stats.SuccessRate = successRate(stats.Sent, stats.Total)
		rep.ByType[channel] = stats
	}

	return rep
}

func successRate(sent, total int) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(sent) / float64(total) * 100)
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
