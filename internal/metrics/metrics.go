package metrics

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "controlhub"

type instruments struct {
	bulkRequests   metric.Int64Counter
	bulkItems      metric.Int64Counter
	bulkDuration   metric.Float64Histogram
	webhookCalls   metric.Int64Counter
	rateLimitDrops metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     instruments
)

// get creates instruments on first use. The global meter delegates to whatever
// provider observability.InitMetrics installs, so ordering does not matter.
func get() *instruments {
	instOnce.Do(func() {
		m := otel.Meter(meterName)
		inst.bulkRequests, _ = m.Int64Counter("controlhub_bulk_action_requests_total",
			metric.WithDescription("Bulk action requests by action and outcome"))
		inst.bulkItems, _ = m.Int64Counter("controlhub_bulk_action_items_total",
			metric.WithDescription("Bulk action items by action and result"))
		inst.bulkDuration, _ = m.Float64Histogram("controlhub_bulk_action_duration_seconds",
			metric.WithDescription("Wall time of bulk action requests"), metric.WithUnit("s"))
		inst.webhookCalls, _ = m.Int64Counter("controlhub_webhook_calls_total",
			metric.WithDescription("Outbound webhook calls by action and status class"))
		inst.rateLimitDrops, _ = m.Int64Counter("controlhub_rate_limit_drops_total",
			metric.WithDescription("Requests rejected with 429 by prefix"))
	})
	return &inst
}

// RecordBulkAction records one finished (or aborted) bulk request.
func RecordBulkAction(ctx context.Context, action, outcome string, successful, failed int, elapsed time.Duration) {
	i := get()
	actionAttr := attribute.String("action", action)
	if i.bulkRequests != nil {
		i.bulkRequests.Add(ctx, 1, metric.WithAttributes(actionAttr, attribute.String("outcome", outcome)))
	}
	if i.bulkItems != nil {
		i.bulkItems.Add(ctx, int64(successful), metric.WithAttributes(actionAttr, attribute.String("result", "success")))
		i.bulkItems.Add(ctx, int64(failed), metric.WithAttributes(actionAttr, attribute.String("result", "failed")))
	}
	if i.bulkDuration != nil {
		i.bulkDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(actionAttr))
	}
}

// RecordWebhookCall counts a webhook attempt; status 0 with err means transport failure.
func RecordWebhookCall(ctx context.Context, action string, status int, err error) {
	i := get()
	if i.webhookCalls == nil {
		return
	}
	i.webhookCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("status_class", StatusClass(status, err)),
	))
}

// StatusClass maps a webhook outcome to "2xx".."5xx" or "error".
func StatusClass(status int, err error) string {
	if status < 100 || status > 599 {
		return "error"
	}
	if err != nil && status == 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

// rateLimitStats keeps an in-process snapshot next to the otel counter.
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix ("global" when empty).
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()

	if c := get().rateLimitDrops; c != nil {
		c.Add(context.Background(), 1, metric.WithAttributes(attribute.String("prefix", prefix)))
	}
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}
