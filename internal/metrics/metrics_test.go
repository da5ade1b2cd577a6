package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	first := itemsTotal
	Init()
	if itemsTotal != first {
		t.Fatal("Init() replaced collectors on second call")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()

	beforeFound := testutil.ToFloat64(itemsTotal.WithLabelValues("found"))
	ObserveItem("found", 12*time.Second)
	if got := testutil.ToFloat64(itemsTotal.WithLabelValues("found")); got != beforeFound+1 {
		t.Fatalf("expected found counter %v, got %v", beforeFound+1, got)
	}

	beforePages := testutil.ToFloat64(pagesTotal.WithLabelValues("intercepted"))
	ObservePage("intercepted")
	ObservePage("intercepted")
	if got := testutil.ToFloat64(pagesTotal.WithLabelValues("intercepted")); got != beforePages+2 {
		t.Fatalf("expected pages %v, got %v", beforePages+2, got)
	}

	beforeRot := testutil.ToFloat64(rotationsTotal.WithLabelValues("false"))
	ObserveRotation(false)
	if got := testutil.ToFloat64(rotationsTotal.WithLabelValues("false")); got != beforeRot+1 {
		t.Fatalf("expected rotation failures %v, got %v", beforeRot+1, got)
	}

	beforeClaimed := testutil.ToFloat64(claimedTotal)
	ObserveClaimed(3)
	if got := testutil.ToFloat64(claimedTotal); got != beforeClaimed+3 {
		t.Fatalf("expected claimed %v, got %v", beforeClaimed+3, got)
	}

	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	ObserveBlock()
	ObserveStaleRecovered(1)
	ObserveDisposition("requeued")
	ObserveNavigationWait(time.Second)
}
