package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder_RecordAppend(t *testing.T) {
	var r Recorder
	fam := eventledger.FamilySupplyChain

	before := testutil.ToFloat64(ledgerAppendsTotal.WithLabelValues(string(fam), "conflict"))
	r.RecordAppend(fam, fmt.Errorf("append: %w", eventledger.ErrConcurrentAppend))
	assert.Equal(t, before+1, testutil.ToFloat64(ledgerAppendsTotal.WithLabelValues(string(fam), "conflict")))

	before = testutil.ToFloat64(ledgerAppendsTotal.WithLabelValues(string(fam), "error"))
	r.RecordAppend(fam, errors.New("connection reset"))
	assert.Equal(t, before+1, testutil.ToFloat64(ledgerAppendsTotal.WithLabelValues(string(fam), "error")))
}

func TestRecorder_RecordVerify(t *testing.T) {
	var r Recorder
	before := testutil.ToFloat64(ledgerVerificationsTotal.WithLabelValues("product", "invalid"))
	r.RecordVerify(eventledger.FamilyProduct, false)
	assert.Equal(t, before+1, testutil.ToFloat64(ledgerVerificationsTotal.WithLabelValues("product", "invalid")))
}

func TestRecordAuditRun(t *testing.T) {
	RecordAuditRun(12, 40*time.Millisecond, nil)
	assert.Equal(t, float64(12), testutil.ToFloat64(auditPartitions))

	before := testutil.ToFloat64(auditViolationsTotal.WithLabelValues("certification", "hash_mismatch"))
	RecordAuditViolation(eventledger.FamilyCertification, eventledger.ReasonHashMismatch)
	assert.Equal(t, before+1, testutil.ToFloat64(auditViolationsTotal.WithLabelValues("certification", "hash_mismatch")))
}
