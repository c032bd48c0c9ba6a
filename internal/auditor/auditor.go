// Package auditor periodically re-verifies every ledger partition and raises
// alerts for broken chains.
package auditor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"github.com/jmerrifield20/materialledger/internal/webhooks"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds audit scheduling configuration.
type Config struct {
	Interval    time.Duration
	Concurrency int
	// Timeout bounds a single run.
	Timeout time.Duration
}

// ChainVerifier is the part of the ledger the auditor needs.
type ChainVerifier interface {
	Partitions(ctx context.Context) ([]eventledger.Partition, error)
	VerifyChain(ctx context.Context, p eventledger.Partition) (*eventledger.VerifyResult, error)
}

// WebhookDispatchFunc is an optional callback for dispatching integrity alerts.
type WebhookDispatchFunc func(ctx context.Context, eventType string, payload map[string]any)

// RunRecordFunc is an optional callback invoked after every run.
type RunRecordFunc func(partitions int, d time.Duration, err error)

// ViolationRecordFunc is an optional callback invoked for every broken chain found.
type ViolationRecordFunc func(family eventledger.Family, reason eventledger.FailureReason)

// Report summarises one audit run.
type Report struct {
	StartedAt  time.Time                   `json:"started_at"`
	Duration   time.Duration               `json:"duration"`
	Partitions int                         `json:"partitions"`
	Events     int                         `json:"events"`
	Violations []*eventledger.VerifyResult `json:"violations"`
	// Errors counts partitions that could not be read.
	Errors int `json:"errors"`
}

// OK reports whether every partition was read and found intact.
func (r *Report) OK() bool { return len(r.Violations) == 0 && r.Errors == 0 }

// Auditor walks every partition with bounded parallelism.
type Auditor struct {
	verifier ChainVerifier
	cfg      Config
	logger   *zap.Logger

	onWebhook   WebhookDispatchFunc
	onRun       RunRecordFunc
	onViolation ViolationRecordFunc

	mu sync.Mutex
	// alerted maps partition key to the failing event already alerted on.
	alerted map[string]string
	last    *Report
}

// New creates an Auditor.
func New(verifier ChainVerifier, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Auditor{
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
		alerted:  make(map[string]string),
	}
}

// SetWebhookDispatch configures the webhook dispatch callback.
func (a *Auditor) SetWebhookDispatch(fn WebhookDispatchFunc) { a.onWebhook = fn }

// SetRunRecord configures the per-run metrics callback.
func (a *Auditor) SetRunRecord(fn RunRecordFunc) { a.onRun = fn }

// SetViolationRecord configures the per-violation metrics callback.
func (a *Auditor) SetViolationRecord(fn ViolationRecordFunc) { a.onViolation = fn }

// Start audits once immediately, then on every tick until ctx is done.
func (a *Auditor) Start(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		runCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		if _, err := a.RunOnce(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("audit: run failed", zap.Error(err))
			if a.onWebhook != nil {
				a.onWebhook(ctx, webhooks.EventAuditFailed, map[string]any{"error": err.Error()})
			}
		}
		cancel()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Last returns the most recent report, or nil before the first run.
func (a *Auditor) Last() *Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// RunOnce verifies every partition. Broken chains are part of the report;
// an error is returned only when the partition list cannot be read or ctx ends.
func (a *Auditor) RunOnce(ctx context.Context) (*Report, error) {
	started := time.Now()
	report := &Report{StartedAt: started.UTC()}

	partitions, err := a.verifier.Partitions(ctx)
	if err != nil {
		err = fmt.Errorf("list partitions: %w", err)
		a.finish(report, started, err)
		return nil, err
	}
	report.Partitions = len(partitions)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)

	for _, p := range partitions {
		p := p
		g.Go(func() error {
			res, err := a.verifier.VerifyChain(gctx, p)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				a.logger.Warn("audit: partition unreadable", zap.String("partition", p.Key()), zap.Error(err))
				mu.Lock()
				report.Errors++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			report.Events += res.Checked
			if !res.Valid {
				report.Violations = append(report.Violations, res)
			}
			mu.Unlock()

			if !res.Valid {
				a.handleViolation(gctx, res)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		a.finish(report, started, err)
		return nil, err
	}

	sort.Slice(report.Violations, func(i, j int) bool {
		return report.Violations[i].Partition.Key() < report.Violations[j].Partition.Key()
	})
	a.finish(report, started, nil)

	if report.OK() {
		a.logger.Info("audit: ledger intact",
			zap.Int("partitions", report.Partitions),
			zap.Int("events", report.Events),
			zap.Duration("duration", report.Duration),
		)
	} else {
		a.logger.Error("audit: ledger integrity violations found",
			zap.Int("partitions", report.Partitions),
			zap.Int("violations", len(report.Violations)),
			zap.Int("errors", report.Errors),
		)
	}
	return report, nil
}

func (a *Auditor) finish(report *Report, started time.Time, err error) {
	report.Duration = time.Since(started)
	if a.onRun != nil {
		a.onRun(report.Partitions, report.Duration, err)
	}
	if err == nil {
		a.mu.Lock()
		a.last = report
		a.mu.Unlock()
	}
}

// handleViolation counts every violation but alerts once per failing event.
func (a *Auditor) handleViolation(ctx context.Context, res *eventledger.VerifyResult) {
	key := res.Partition.Key()

	a.logger.Error("audit: chain integrity violation",
		zap.String("partition", key),
		zap.String("event_id", res.FailureEventID.String()),
		zap.Int("index", res.FailureIndex),
		zap.String("reason", string(res.Reason)),
	)
	if a.onViolation != nil {
		a.onViolation(res.Partition.Family, res.Reason)
	}

	a.mu.Lock()
	already := a.alerted[key] == res.FailureEventID.String()
	a.alerted[key] = res.FailureEventID.String()
	a.mu.Unlock()

	if already || a.onWebhook == nil {
		return
	}
	a.onWebhook(ctx, webhooks.EventIntegrityViolation, map[string]any{
		"partition":        key,
		"family":           string(res.Partition.Family),
		"entity_id":        res.Partition.EntityID.String(),
		"batch_number":     res.Partition.BatchNumber,
		"failure_event_id": res.FailureEventID.String(),
		"failure_index":    res.FailureIndex,
		"reason":           string(res.Reason),
	})
}
