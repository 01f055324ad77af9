package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestReconcileMetricsObservePass(t *testing.T) {
	m := Reconcile()
	visible := m.ids.WithLabelValues("all", "visible")
	skipped := m.ids.WithLabelValues("all", "skipped")
	partial := m.passes.WithLabelValues("all", "partial")
	failed := m.passes.WithLabelValues("all", "error")
	beforeVisible := testutil.ToFloat64(visible)
	beforeSkipped := testutil.ToFloat64(skipped)
	beforePartial := testutil.ToFloat64(partial)
	beforeFailed := testutil.ToFloat64(failed)

	m.ObservePass(PassStats{Scope: "all", Scanned: 10, Visible: 6, Skipped: 1, Malformed: 2, Cancelled: 1, Duration: time.Millisecond})
	m.ObservePass(PassStats{Scope: "all", Err: errors.New("ledger down")})

	if got := testutil.ToFloat64(visible) - beforeVisible; got != 6 {
		t.Fatalf("expected 6 visible ids, got %v", got)
	}
	if got := testutil.ToFloat64(skipped) - beforeSkipped; got != 1 {
		t.Fatalf("expected 1 skipped id, got %v", got)
	}
	if got := testutil.ToFloat64(partial) - beforePartial; got != 1 {
		t.Fatalf("expected partial pass, got %v", got)
	}
	if got := testutil.ToFloat64(failed) - beforeFailed; got != 1 {
		t.Fatalf("expected failed pass, got %v", got)
	}
}

func TestReconcileMetricsObserveRead(t *testing.T) {
	m := Reconcile()
	retries := m.retries.WithLabelValues("count")
	reads := m.reads.WithLabelValues("count", "ok")
	beforeRetries := testutil.ToFloat64(retries)
	beforeReads := testutil.ToFloat64(reads)

	m.ObserveRead("count", "ok", 3, 5*time.Millisecond)

	if got := testutil.ToFloat64(retries) - beforeRetries; got != 2 {
		t.Fatalf("expected 2 retries, got %v", got)
	}
	if got := testutil.ToFloat64(reads) - beforeReads; got != 1 {
		t.Fatalf("expected 1 read, got %v", got)
	}
}

func TestModuleMetricsObserve(t *testing.T) {
	m := ModuleMetrics()
	errorsCounter := m.errors.WithLabelValues("/v1/loans", "GET", "503")
	before := testutil.ToFloat64(errorsCounter)
	m.Observe("/v1/loans", "GET", 503, time.Millisecond)
	m.Observe("/v1/loans", "GET", 200, time.Millisecond)
	if got := testutil.ToFloat64(errorsCounter) - before; got != 1 {
		t.Fatalf("expected one error, got %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *ReconcileMetrics
	m.ObservePass(PassStats{})
	m.ObserveRead("count", "ok", 1, 0)
	var e *exportMetrics
	e.RecordExport("csv", 1, nil)
}

func TestExportMetrics(t *testing.T) {
	m := Exports()
	rows := m.rows.WithLabelValues("csv")
	before := testutil.ToFloat64(rows)
	m.RecordExport("CSV", 4, nil)
	m.RecordExport("csv", 9, errors.New("disk full"))
	if got := testutil.ToFloat64(rows) - before; got != 4 {
		t.Fatalf("expected 4 rows, got %v", got)
	}
}
