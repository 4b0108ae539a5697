package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"controlhub/internal/metrics"
	"controlhub/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BulkAction is the run/stop intent applied to automations.
type BulkAction string

const (
	ActionRun  BulkAction = "run"
	ActionStop BulkAction = "stop"
)

// MaxBulkItems is the hard ceiling on ids per request.
const MaxBulkItems = 50

const (
	DefaultBatchSize      = 10
	DefaultBatchDelay     = 30 * time.Second
	DefaultPerItemTimeout = 30 * time.Second
	DefaultLockTTL        = 10 * time.Minute
)

// ParseBulkAction accepts exactly "run" or "stop".
func ParseBulkAction(s string) (BulkAction, error) {
	switch BulkAction(s) {
	case ActionRun, ActionStop:
		return BulkAction(s), nil
	default:
		return "", ErrInvalidAction
	}
}

// BulkActionItemResult 单个自动化的处理结果
type BulkActionItemResult struct {
	ID               string    `json:"id"`
	Success          bool      `json:"success"`
	WebhookTriggered bool      `json:"webhookTriggered,omitempty"`
	WebhookStatus    int       `json:"webhookStatus,omitempty"`
	ExecutionID      string    `json:"executionId,omitempty"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// BulkActionSummary is derived from the item results.
type BulkActionSummary struct {
	Successful     int       `json:"successful"`
	Failed         int       `json:"failed"`
	ProcessingTime time.Time `json:"processingTime"`
}

// BulkActionOutcome 批量操作完整结果
type BulkActionOutcome struct {
	Action         BulkAction
	TotalRequested int
	Results        []BulkActionItemResult
	Summary        BulkActionSummary
	Batches        int
	ExecutionTime  time.Duration
}

// BulkActionLimits is echoed back to callers so clients can plan requests.
type BulkActionLimits struct {
	MaxBatchSize   int   `json:"maxBatchSize"`
	BatchSize      int   `json:"batchSize"`
	BatchDelay     int64 `json:"batchDelay"`
	PerItemTimeout int64 `json:"perItemTimeout"`
}

// BulkActionOptions tunes chunking and throttling. Zero values take the defaults,
// except BatchDelay where zero disables the pause.
type BulkActionOptions struct {
	BatchSize      int
	BatchDelay     time.Duration
	PerItemTimeout time.Duration
	LockTTL        time.Duration
}

func (o *BulkActionOptions) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	}
	if o.PerItemTimeout <= 0 {
		o.PerItemTimeout = DefaultPerItemTimeout
	}
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
}

// BulkActionService 批量 run/stop 编排：分批、批内并发、批间限速、逐项容错
type BulkActionService struct {
	store    AutomationStore
	webhooks WebhookTrigger
	audit    AuditSink
	lock     BulkLock
	sleeper  Sleeper
	logger   *logrus.Logger
	opts     BulkActionOptions
	tracer   trace.Tracer
	now      func() time.Time
}

func NewBulkActionService(store AutomationStore, webhooks WebhookTrigger, audit AuditSink, logger *logrus.Logger, opts BulkActionOptions) *BulkActionService {
	if logger == nil {
		logger = logrus.New()
	}
	if audit == nil {
		audit = NopAuditSink{}
	}
	opts.withDefaults()
	return &BulkActionService{
		store:    store,
		webhooks: webhooks,
		audit:    audit,
		lock:     NewMemoryBulkLock(),
		sleeper:  TimerSleeper{},
		logger:   logger,
		opts:     opts,
		tracer:   otel.Tracer("controlhub/bulk"),
		now:      time.Now,
	}
}

// SetSleeper swaps the inter-batch delay implementation (virtual time in tests).
func (s *BulkActionService) SetSleeper(sleeper Sleeper) {
	if sleeper != nil {
		s.sleeper = sleeper
	}
}

// SetLock swaps the per-caller lock (redis when running several replicas).
func (s *BulkActionService) SetLock(lock BulkLock) {
	if lock != nil {
		s.lock = lock
	}
}

func (s *BulkActionService) Limits() BulkActionLimits {
	return BulkActionLimits{
		MaxBatchSize:   MaxBulkItems,
		BatchSize:      s.opts.BatchSize,
		BatchDelay:     s.opts.BatchDelay.Milliseconds(),
		PerItemTimeout: s.opts.PerItemTimeout.Milliseconds(),
	}
}

// Validate checks a request without touching any collaborator.
func (s *BulkActionService) Validate(action string, ids []string) (BulkAction, error) {
	act, err := ParseBulkAction(action)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", ErrInvalidIDs
	}
	if len(ids) > MaxBulkItems {
		return "", batchTooLarge(len(ids), MaxBulkItems)
	}
	return act, nil
}

// Execute runs action over ids on behalf of callerID.
//
// Validation errors are returned before any side effect. Once processing starts,
// per-item failures are data in the outcome; the only error is *BulkActionError
// when the loop itself is interrupted (context cancelled between batches, lock
// backend down). Duplicate ids are processed independently.
func (s *BulkActionService) Execute(ctx context.Context, action string, ids []string, callerID string) (*BulkActionOutcome, error) {
	act, err := s.Validate(action, ids)
	if err != nil {
		return nil, err
	}

	start := s.now()
	ctx, span := s.tracer.Start(ctx, "bulk_action.execute", trace.WithAttributes(
		attribute.String("bulk.action", string(act)),
		attribute.Int("bulk.requested", len(ids)),
	))
	defer span.End()

	log := s.logger.WithFields(logrus.Fields{
		"action":    act,
		"user_id":   callerID,
		"requested": len(ids),
	})

	release, err := s.lock.Acquire(ctx, callerID, s.opts.LockTTL)
	if err != nil {
		if errors.Is(err, ErrBulkInProgress) {
			span.SetStatus(codes.Error, "in progress")
			s.recordAudit(ctx, callerID, act, len(ids), 0, 0, s.now().Sub(start), false, "in_progress")
			log.Info("bulk action rejected, another one is in progress")
			return nil, err
		}
		return nil, s.abort(ctx, span, log, act, len(ids), nil, start, callerID, err)
	}
	defer release()

	chunks := partition(ids, s.opts.BatchSize)
	results := make([]BulkActionItemResult, 0, len(ids))
	for i, chunk := range chunks {
		results = append(results, s.runChunk(ctx, act, chunk, callerID, i)...)
		log.WithFields(logrus.Fields{"batch": i + 1, "batches": len(chunks), "processed": len(results)}).
			Debug("bulk action batch settled")

		if i < len(chunks)-1 {
			if err := s.sleeper.Sleep(ctx, s.opts.BatchDelay); err != nil {
				return nil, s.abort(ctx, span, log, act, len(ids), results, start, callerID, err)
			}
		}
	}

	summary := summarize(results, s.now().UTC())
	elapsed := s.now().Sub(start)
	outcome := &BulkActionOutcome{
		Action:         act,
		TotalRequested: len(ids),
		Results:        results,
		Summary:        summary,
		Batches:        len(chunks),
		ExecutionTime:  elapsed,
	}

	s.recordAudit(ctx, callerID, act, len(ids), summary.Successful, summary.Failed, elapsed, true, "")
	metrics.RecordBulkAction(ctx, string(act), "completed", summary.Successful, summary.Failed, elapsed)
	span.SetAttributes(attribute.Int("bulk.successful", summary.Successful), attribute.Int("bulk.failed", summary.Failed))
	log.WithFields(logrus.Fields{
		"successful":  summary.Successful,
		"failed":      summary.Failed,
		"batches":     len(chunks),
		"duration_ms": elapsed.Milliseconds(),
	}).Info("bulk action completed")
	return outcome, nil
}

// RunItem runs the per-item workflow once, as used by the single-automation endpoints.
func (s *BulkActionService) RunItem(ctx context.Context, action BulkAction, id, callerID string) BulkActionItemResult {
	return s.settle(ctx, action, id, callerID)
}

func (s *BulkActionService) abort(ctx context.Context, span trace.Span, log *logrus.Entry, act BulkAction, requested int, results []BulkActionItemResult, start time.Time, callerID string, cause error) error {
	summary := summarize(results, s.now().UTC())
	elapsed := s.now().Sub(start)
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	s.recordAudit(ctx, callerID, act, requested, summary.Successful, summary.Failed, elapsed, false, "interrupted")
	metrics.RecordBulkAction(ctx, string(act), "aborted", summary.Successful, summary.Failed, elapsed)
	log.WithError(cause).WithField("processed", len(results)).Error("bulk action aborted")
	return &BulkActionError{Processed: len(results), Elapsed: elapsed, Err: cause}
}

// runChunk starts one goroutine per id and waits for all of them; no item can
// cancel its siblings. Results keep the chunk's input order.
func (s *BulkActionService) runChunk(ctx context.Context, act BulkAction, chunk []string, callerID string, index int) []BulkActionItemResult {
	ctx, span := s.tracer.Start(ctx, "bulk_action.batch", trace.WithAttributes(
		attribute.Int("bulk.batch", index),
		attribute.Int("bulk.batch_size", len(chunk)),
	))
	defer span.End()

	out := make([]BulkActionItemResult, len(chunk))
	var wg conc.WaitGroup
	for i, id := range chunk {
		wg.Go(func() {
			out[i] = s.settle(ctx, act, id, callerID)
		})
	}
	wg.Wait()
	return out
}

// settle converts a panicking item into a failed result.
func (s *BulkActionService) settle(ctx context.Context, act BulkAction, id, callerID string) BulkActionItemResult {
	var (
		pc  panics.Catcher
		res BulkActionItemResult
	)
	pc.Try(func() { res = s.processItem(ctx, act, id, callerID) })
	if r := pc.Recovered(); r != nil {
		s.logger.WithFields(logrus.Fields{"automation_id": id, "panic": r.Value}).Error("bulk action item panicked")
		return BulkActionItemResult{
			ID:        id,
			Error:     fmt.Sprintf("Internal error: %v", r.Value),
			Timestamp: s.now().UTC(),
		}
	}
	return res
}

func (s *BulkActionService) processItem(ctx context.Context, act BulkAction, id, callerID string) (res BulkActionItemResult) {
	res.ID = id
	defer func() { res.Timestamp = s.now().UTC() }()

	ctx, cancel := context.WithTimeout(ctx, s.opts.PerItemTimeout)
	defer cancel()

	automation, err := s.store.GetByID(ctx, id)
	if errors.Is(err, ErrAutomationNotFound) {
		res.Error = "Automation not found"
		return res
	}
	if err != nil {
		res.Error = fmt.Sprintf("Failed to load automation: %v", err)
		return res
	}
	if automation.OwnerID != callerID {
		res.Error = "Unauthorized access to automation"
		return res
	}

	webhookURL, ok := automation.WebhookURL(string(act))
	if !ok {
		res.Error = fmt.Sprintf("No %s webhook URL configured", act)
		return res
	}

	wr, err := s.webhooks.Trigger(ctx, act, webhookURL, id, callerID)
	if wr != nil {
		res.WebhookStatus = wr.Status
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.WebhookTriggered = true
	res.ExecutionID = wr.ExecutionID

	if _, err := s.store.Update(ctx, id, updateFor(act, s.now().UTC())); err != nil {
		res.Error = fmt.Sprintf("Webhook triggered but status update failed: %v", err)
		return res
	}
	res.Success = true
	return res
}

// updateFor: run stamps lastRunAt and marks running; stop only marks cancelled.
func updateFor(act BulkAction, now time.Time) AutomationUpdate {
	switch act {
	case ActionRun:
		status := models.RunStatusRunning
		return AutomationUpdate{LastRunAt: &now, LastRunStatus: &status}
	default:
		status := models.RunStatusCancelled
		return AutomationUpdate{LastRunStatus: &status}
	}
}

func (s *BulkActionService) recordAudit(ctx context.Context, callerID string, act BulkAction, requested, successful, failed int, elapsed time.Duration, completed bool, reason string) {
	meta := map[string]interface{}{
		"action":          string(act),
		"requestedCount":  requested,
		"successful":      successful,
		"failed":          failed,
		"executionTimeMs": elapsed.Milliseconds(),
		"completed":       completed,
	}
	if reason != "" {
		meta["reason"] = reason
	}
	s.audit.Record(ctx, AuditEvent{
		UserID:       callerID,
		Action:       "bulk_" + string(act),
		ResourceType: "automation",
		Success:      completed && failed == 0,
		Metadata:     meta,
	})
}

func partition(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

func summarize(results []BulkActionItemResult, at time.Time) BulkActionSummary {
	sum := BulkActionSummary{ProcessingTime: at}
	for _, r := range results {
		if r.Success {
			sum.Successful++
		} else {
			sum.Failed++
		}
	}
	return sum
}
