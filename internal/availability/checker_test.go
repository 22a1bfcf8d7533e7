package availability

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/go-cmp/cmp"
	"github.com/vpncore/vpncore/internal/model"
	"github.com/vpncore/vpncore/internal/optional"
)

func newTestChecker(protocol model.VPNProtocol, pinger Pinger) *Checker {
	log.SetLevel(log.DebugLevel)
	c := NewChecker(log.Log, protocol, pinger)
	c.RetryDelay = 0
	return c
}

func respondingPorts(ports ...int) PingerFunc {
	return func(ctx context.Context, target *Target) bool {
		for _, port := range ports {
			if port == target.Port {
				return true
			}
		}
		return false
	}
}

var testAddress = &model.EntryAddress{ID: "ip1", EntryIP: "192.0.2.1", Status: 1, X25519PublicKey: "aGVsbG8="}

func TestChecker_CheckPorts(t *testing.T) {
	tests := []struct {
		name       string
		responding []int
		want       Result
	}{
		{
			name:       "two of three ports respond",
			responding: []int{443, 51820},
			want:       Result{Ports: []int{443, 51820}},
		},
		{
			name:       "no port responds",
			responding: nil,
			want:       Result{},
		},
		{
			name:       "every port responds",
			responding: []int{80, 443, 51820},
			want:       Result{Ports: []int{80, 443, 51820}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestChecker(model.OpenVPNUDP, respondingPorts(tt.responding...))
			got := c.CheckPorts(context.Background(), testAddress, []int{80, 443, 51820})
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
			if got.Available() != (len(tt.responding) > 0) {
				t.Errorf("Available() = %v", got.Available())
			}
		})
	}
}

func TestChecker_ProbesRunConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(3)
	release := make(chan struct{})
	pinger := PingerFunc(func(ctx context.Context, target *Target) bool {
		started.Done()
		<-release
		return true
	})
	c := newTestChecker(model.OpenVPNTCP, pinger)
	go func() {
		// every probe is issued before any of them completes
		started.Wait()
		close(release)
	}()
	got := c.CheckPorts(context.Background(), testAddress, []int{1, 2, 3})
	if diff := cmp.Diff([]int{1, 2, 3}, got.Ports); diff != "" {
		t.Error(diff)
	}
}

func TestChecker_UsesOverridePorts(t *testing.T) {
	var mu sync.Mutex
	probed := []int{}
	pinger := PingerFunc(func(ctx context.Context, target *Target) bool {
		mu.Lock()
		defer mu.Unlock()
		probed = append(probed, target.Port)
		return target.Address == "198.51.100.7"
	})
	address := &model.EntryAddress{
		EntryIP: "192.0.2.1",
		Entries: model.ProtocolEntries{
			model.WireGuardTLS: &model.ProtocolEntry{IPv4: optional.Some("198.51.100.7"), Ports: []int{8443}},
		},
	}
	c := newTestChecker(model.WireGuardTLS, pinger)
	got := c.CheckPorts(context.Background(), address, []int{443})
	if diff := cmp.Diff([]int{8443}, got.Ports); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]int{8443}, probed); diff != "" {
		t.Error(diff)
	}
}

func TestChecker_UnsupportedProtocolIsNonResponse(t *testing.T) {
	var calls atomic.Int32
	pinger := PingerFunc(func(ctx context.Context, target *Target) bool {
		calls.Add(1)
		return true
	})
	address := &model.EntryAddress{
		EntryIP: "192.0.2.1",
		Entries: model.ProtocolEntries{model.OpenVPNUDP: nil},
	}
	c := newTestChecker(model.OpenVPNUDP, pinger)
	if got := c.CheckPorts(context.Background(), address, []int{1194}); got.Available() {
		t.Errorf("expected unavailable, got %s", got)
	}
	if calls.Load() != 0 {
		t.Errorf("pinger should not be called")
	}
}

func TestChecker_RetriesOnce(t *testing.T) {
	var rounds atomic.Int32
	pinger := PingerFunc(func(ctx context.Context, target *Target) bool {
		// only the second round succeeds
		return rounds.Add(1) > 2
	})
	c := newTestChecker(model.WireGuardUDP, pinger)
	c.RetryDelay = time.Millisecond
	got := c.CheckPorts(context.Background(), testAddress, []int{443, 51820})
	if diff := cmp.Diff([]int{443, 51820}, got.Ports); diff != "" {
		t.Error(diff)
	}

	rounds.Store(-100)
	got = c.CheckPorts(context.Background(), testAddress, []int{443, 51820})
	if got.Available() {
		t.Error("expected unavailable after one retry")
	}
	if n := rounds.Load(); n != -96 {
		t.Errorf("expected exactly two rounds, got %d probes", n+100)
	}
}

func TestNewChecker_RetryOnlyForWireGuardUDP(t *testing.T) {
	for _, p := range model.AllProtocols {
		c := NewChecker(log.Log, p, nil)
		if (c.RetryDelay > 0) != (p == model.WireGuardUDP) {
			t.Errorf("%s: unexpected retry delay %s", p, c.RetryDelay)
		}
		if c.Timeout != DefaultTimeout {
			t.Errorf("%s: unexpected timeout %s", p, c.Timeout)
		}
	}
}

func TestChecker_ProbeTimeout(t *testing.T) {
	pinger := PingerFunc(func(ctx context.Context, target *Target) bool {
		<-ctx.Done()
		return false
	})
	c := newTestChecker(model.OpenVPNTCP, pinger)
	c.Timeout = 10 * time.Millisecond
	t0 := time.Now()
	if got := c.CheckPorts(context.Background(), testAddress, []int{1, 2}); got.Available() {
		t.Error("expected unavailable")
	}
	if time.Since(t0) > time.Second {
		t.Error("probes were not bounded by the timeout")
	}
}

func TestChecker_FirstResponder(t *testing.T) {
	slowDone := make(chan struct{})
	pinger := PingerFunc(func(ctx context.Context, target *Target) bool {
		switch target.Port {
		case 443:
			return true
		case 51820:
			defer close(slowDone)
			time.Sleep(50 * time.Millisecond)
			return true
		default:
			return false
		}
	})
	c := newTestChecker(model.WireGuardUDP, pinger)
	c.DefaultPorts = []int{80, 443, 51820}

	results := c.FirstResponderAsync(context.Background(), testAddress)
	first, ok := <-results
	if !ok || !first.OK || first.Port != 443 {
		t.Fatalf("unexpected first result %+v", first)
	}
	if _, ok := <-results; ok {
		t.Error("channel should be closed after one result")
	}

	// the slow probe is still allowed to complete
	select {
	case <-slowDone:
	case <-time.After(time.Second):
		t.Error("in-flight probe did not complete")
	}
}

func TestChecker_FirstResponderNoPort(t *testing.T) {
	c := newTestChecker(model.WireGuardUDP, respondingPorts())
	c.DefaultPorts = []int{80, 443}
	port, ok := c.FirstResponder(context.Background(), testAddress)
	if ok || port != 0 {
		t.Errorf("expected no port, got %d", port)
	}
}

func TestChecker_FirstResponderManySuccesses(t *testing.T) {
	c := newTestChecker(model.WireGuardUDP, respondingPorts(1, 2, 3, 4, 5, 6, 7, 8))
	c.DefaultPorts = []int{1, 2, 3, 4, 5, 6, 7, 8}
	var count int
	for result := range c.FirstResponderAsync(context.Background(), testAddress) {
		if !result.OK {
			t.Error("expected a port")
		}
		count++
	}
	if count != 1 {
		t.Errorf("completion fired %d times", count)
	}
}

func TestResult_String(t *testing.T) {
	if s := (Result{}).String(); s != "unavailable" {
		t.Errorf("got %q", s)
	}
	if s := (Result{Ports: []int{443}}).String(); s != "available[443]" {
		t.Errorf("got %q", s)
	}
}

func TestChecker_CheckFirst(t *testing.T) {
	c := newTestChecker(model.WireGuardTCP, respondingPorts(443))
	c.DefaultPorts = []int{443}
	var calls atomic.Int32
	done := make(chan int, 2)
	c.CheckFirst(context.Background(), testAddress, func(port int, ok bool) {
		calls.Add(1)
		if !ok {
			t.Error("expected a port")
		}
		done <- port
	})
	select {
	case port := <-done:
		if port != 443 {
			t.Errorf("unexpected port %d", port)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
	time.Sleep(10 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("callback invoked %d times", calls.Load())
	}
}
