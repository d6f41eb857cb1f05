package pstmmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAbortReasonIncrementsLabeledCounter(t *testing.T) {
	before := testutil.ToFloat64(AbortsTotal.WithLabelValues("LOCKED_READ"))
	AbortReason("LOCKED_READ")
	after := testutil.ToFloat64(AbortsTotal.WithLabelValues("LOCKED_READ"))
	if after != before+1 {
		t.Fatalf("expected counter to increment by 1, went from %v to %v", before, after)
	}
}

func TestTimerObservesDuration(t *testing.T) {
	// CollectAndCount reports the number of metrics collected, which stays
	// 1 for a single unlabeled histogram regardless of how many samples it has
	// seen; this just confirms ObserveDuration runs without panicking
	// and the histogram remains registered and collectible afterward.
	timer := NewTimer()
	timer.ObserveDuration(CommitDuration)
	if n := testutil.CollectAndCount(CommitDuration); n != 1 {
		t.Fatalf("expected the histogram to still report exactly one metric, got %d", n)
	}
}

func TestCommitsTotalIncrements(t *testing.T) {
	before := testutil.ToFloat64(CommitsTotal)
	CommitsTotal.Inc()
	after := testutil.ToFloat64(CommitsTotal)
	if after != before+1 {
		t.Fatalf("expected CommitsTotal to increment by 1, went from %v to %v", before, after)
	}
}
