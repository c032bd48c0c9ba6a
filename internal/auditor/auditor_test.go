package auditor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubVerifier struct {
	partitions []eventledger.Partition
	results    map[string]*eventledger.VerifyResult
	errs       map[string]error
	listErr    error
}

func (s *stubVerifier) Partitions(context.Context) ([]eventledger.Partition, error) {
	return s.partitions, s.listErr
}

func (s *stubVerifier) VerifyChain(_ context.Context, p eventledger.Partition) (*eventledger.VerifyResult, error) {
	if err := s.errs[p.Key()]; err != nil {
		return nil, err
	}
	if res, ok := s.results[p.Key()]; ok {
		return res, nil
	}
	return &eventledger.VerifyResult{Partition: p, Valid: true, Checked: 2, FailureIndex: -1}, nil
}

type alertLog struct {
	mu     sync.Mutex
	alerts []map[string]any
}

func (l *alertLog) dispatch(_ context.Context, eventType string, payload map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	payload["type"] = eventType
	l.alerts = append(l.alerts, payload)
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestRunOnce_AllIntact(t *testing.T) {
	v := &stubVerifier{partitions: []eventledger.Partition{
		eventledger.ProductPartition(uuid.New()),
		eventledger.CertificationPartition(uuid.New()),
	}}
	var runs int
	a := New(v, Config{Concurrency: 2}, zap.NewNop())
	a.SetRunRecord(func(partitions int, _ time.Duration, err error) {
		runs++
		assert.Equal(t, 2, partitions)
		assert.NoError(t, err)
	})

	report, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 2, report.Partitions)
	assert.Equal(t, 4, report.Events)
	assert.Equal(t, 1, runs)
	assert.Same(t, report, a.Last())
}

func TestRunOnce_ReportsAndAlertsViolations(t *testing.T) {
	bad := eventledger.SupplyChainPartition(uuid.New(), "B-9")
	failing := uuid.New()
	v := &stubVerifier{
		partitions: []eventledger.Partition{eventledger.ProductPartition(uuid.New()), bad},
		results: map[string]*eventledger.VerifyResult{
			bad.Key(): {
				Partition:      bad,
				Valid:          false,
				Checked:        1,
				FailureEventID: failing,
				FailureIndex:   0,
				Reason:         eventledger.ReasonHashMismatch,
			},
		},
	}

	alerts := &alertLog{}
	var violations []eventledger.FailureReason
	a := New(v, Config{}, zap.NewNop())
	a.SetWebhookDispatch(alerts.dispatch)
	a.SetViolationRecord(func(_ eventledger.Family, r eventledger.FailureReason) {
		violations = append(violations, r)
	})

	report, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.OK())
	require.Len(t, report.Violations, 1)
	assert.Equal(t, failing, report.Violations[0].FailureEventID)

	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, "ledger.integrity_violation", alerts.alerts[0]["type"])
	assert.Equal(t, bad.Key(), alerts.alerts[0]["partition"])
	assert.Equal(t, "hash_mismatch", alerts.alerts[0]["reason"])

	// The same broken event is counted again but not re-alerted.
	_, err = a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, alerts.alerts, 1)
	assert.Len(t, violations, 2)
}

func TestRunOnce_CountsUnreadablePartitions(t *testing.T) {
	p := eventledger.ProductPartition(uuid.New())
	v := &stubVerifier{
		partitions: []eventledger.Partition{p},
		errs:       map[string]error{p.Key(): errors.New("connection reset")},
	}
	report, err := New(v, Config{}, zap.NewNop()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.False(t, report.OK())
}

func TestRunOnce_ListFailure(t *testing.T) {
	v := &stubVerifier{listErr: errors.New("db down")}
	var gotErr error
	a := New(v, Config{}, zap.NewNop())
	a.SetRunRecord(func(_ int, _ time.Duration, err error) { gotErr = err })

	_, err := a.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Error(t, gotErr)
	assert.Nil(t, a.Last())
}

func TestRunOnce_WithLedger(t *testing.T) {
	ledger := eventledger.New(eventledger.NewMemoryStore(), zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id := uuid.New()
		_, err := ledger.AppendProductEvent(ctx, id, eventledger.EventCreated, json.RawMessage(`{"n":1}`), eventledger.Origin{})
		require.NoError(t, err)
		_, err = ledger.AppendProductEvent(ctx, id, eventledger.EventUpdated, json.RawMessage(`{"n":2}`), eventledger.Origin{})
		require.NoError(t, err)
	}

	report, err := New(ledger, Config{Concurrency: 2}, zap.NewNop()).RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 3, report.Partitions)
	assert.Equal(t, 6, report.Events)
}

func TestStart_StopsOnCancel(t *testing.T) {
	v := &stubVerifier{}
	runs := make(chan struct{}, 10)
	a := New(v, Config{Interval: time.Hour}, zap.NewNop())
	a.SetRunRecord(func(int, time.Duration, error) { runs <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Start(ctx)
		close(done)
	}()

	<-runs
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("auditor did not stop")
	}
}

func TestStart_AlertsWhenRunFails(t *testing.T) {
	v := &stubVerifier{listErr: errors.New("db down")}
	alerted := make(chan string, 1)
	a := New(v, Config{Interval: time.Hour}, zap.NewNop())
	a.SetWebhookDispatch(func(_ context.Context, eventType string, _ map[string]any) {
		alerted <- eventType
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Start(ctx)

	select {
	case got := <-alerted:
		assert.Equal(t, "ledger.audit_failed", got)
	case <-time.After(2 * time.Second):
		t.Fatal("no audit_failed alert")
	}
}
