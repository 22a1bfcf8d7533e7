package instrument

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestProbeCounters(t *testing.T) {
	labels := prometheus.Labels{"protocol": "test-probe", "outcome": "responded"}
	before := testutil.ToFloat64(probes.With(labels))
	Probe("test-probe", true, 10*time.Millisecond)
	Probe("test-probe", false, time.Second)
	if got := testutil.ToFloat64(probes.With(labels)); got != before+1 {
		t.Errorf("responded counter = %v, want %v", got, before+1)
	}
}

func TestRegisterTwice(t *testing.T) {
	Register()
	Register()
}

func TestSelectionFailure(t *testing.T) {
	labels := prometheus.Labels{"reason": "test-reason"}
	before := testutil.ToFloat64(selectionFailures.With(labels))
	SelectionFailure("test-reason")
	if got := testutil.ToFloat64(selectionFailures.With(labels)); got != before+1 {
		t.Errorf("counter = %v, want %v", got, before+1)
	}
}
