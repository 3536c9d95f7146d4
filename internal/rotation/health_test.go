package rotation

import (
	"math"
	"testing"
	"time"
)

func testProvider(id string, kind ProviderKind) *Provider {
	p := &Provider{
		ID:      id,
		Name:    id,
		Kind:    kind,
		Enabled: true,
		Weight:  1,
	}
	switch kind {
	case KindSMTP:
		p.SMTP = &SMTPCredentials{Host: "mail.example.com", Port: 587, Encryption: EncryptionTLS}
	case KindAPI:
		p.API = &APICredentials{Endpoint: "https://api.example.com/send", APIKey: "key"}
	}
	return p
}

func TestHealthTrackerFlipsAtThreshold(t *testing.T) {
	tracker := NewHealthTracker()
	tracker.SetFailureThreshold(2)
	p := testProvider("smtp-1", KindSMTP)

	if !tracker.IsEligible(p) {
		t.Fatal("fresh provider should be eligible")
	}

	tracker.ReportOutcome(p.ID, StatusFailed, 120, 0)
	if !tracker.IsEligible(p) {
		t.Fatal("one failure below threshold should keep provider eligible")
	}

	tracker.ReportOutcome(p.ID, StatusTimeout, 30000, 0)
	if tracker.IsEligible(p) {
		t.Fatal("second failure at threshold should mark provider ineligible")
	}

	state := tracker.Snapshot(p.ID)
	if state.IsHealthy {
		t.Error("snapshot should report unhealthy")
	}
	if state.ConsecutiveFailures != 2 {
		t.Errorf("consecutive failures = %d, want 2", state.ConsecutiveFailures)
	}
}

func TestHealthTrackerCooldownRecovery(t *testing.T) {
	tracker := NewHealthTracker()
	tracker.SetFailureThreshold(1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.SetClock(func() time.Time { return now })
	p := testProvider("smtp-1", KindSMTP)

	tracker.ReportOutcome(p.ID, StatusFailed, 0, 0)
	if tracker.IsEligible(p) {
		t.Fatal("provider should be ineligible after hitting threshold")
	}

	now = now.Add(4 * time.Minute)
	if tracker.IsEligible(p) {
		t.Fatal("provider should stay ineligible inside the cool-down")
	}

	now = now.Add(2 * time.Minute)
	if !tracker.IsEligible(p) {
		t.Fatal("provider should be probed again after the cool-down")
	}

	// A success on the probe fully restores health.
	tracker.ReportOutcome(p.ID, StatusSuccess, 200, 0)
	state := tracker.Snapshot(p.ID)
	if !state.IsHealthy || state.ConsecutiveFailures != 0 {
		t.Errorf("success should reset health, got %+v", state)
	}
}

func TestHealthTrackerRateLimitBackoff(t *testing.T) {
	tracker := NewHealthTracker()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.SetClock(func() time.Time { return now })
	p := testProvider("api-1", KindAPI)

	tracker.ReportOutcome(p.ID, StatusRateLimited, 80, 0)
	if tracker.IsEligible(p) {
		t.Fatal("rate limited provider should be ineligible")
	}
	state := tracker.Snapshot(p.ID)
	if got, want := state.RateLimitedUntil, now.Add(60*time.Second); !got.Equal(want) {
		t.Errorf("first window ends at %v, want %v", got, want)
	}
	if state.ConsecutiveFailures != 0 {
		t.Error("rate limiting must not count as a failure")
	}

	// Second consecutive rate limit doubles the window.
	now = now.Add(61 * time.Second)
	tracker.ReportOutcome(p.ID, StatusRateLimited, 80, 0)
	state = tracker.Snapshot(p.ID)
	if got, want := state.RateLimitedUntil, now.Add(120*time.Second); !got.Equal(want) {
		t.Errorf("second window ends at %v, want %v", got, want)
	}

	// Retry-After from the provider overrides the computed backoff.
	now = now.Add(2 * time.Minute)
	tracker.ReportOutcome(p.ID, StatusRateLimited, 80, 17*time.Second)
	state = tracker.Snapshot(p.ID)
	if got, want := state.RateLimitedUntil, now.Add(17*time.Second); !got.Equal(want) {
		t.Errorf("Retry-After window ends at %v, want %v", got, want)
	}

	// Success clears the window and the streak.
	now = now.Add(time.Minute)
	tracker.ReportOutcome(p.ID, StatusSuccess, 90, 0)
	if !tracker.IsEligible(p) {
		t.Fatal("provider should be eligible after a success")
	}
}

func TestHealthTrackerRateLimitBackoffCap(t *testing.T) {
	tracker := NewHealthTracker()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.SetClock(func() time.Time { return now })

	// 60s doubled 7 times is over an hour; the window must clamp.
	for i := 0; i < 8; i++ {
		tracker.ReportOutcome("api-1", StatusRateLimited, 0, 0)
	}
	state := tracker.Snapshot("api-1")
	if got := state.RateLimitedUntil.Sub(now); got > time.Hour {
		t.Errorf("backoff %v exceeds the one hour cap", got)
	}
}

func TestHealthTrackerResponseTimeEMA(t *testing.T) {
	tracker := NewHealthTracker()

	tracker.ReportOutcome("p", StatusSuccess, 100, 0)
	if got := tracker.Snapshot("p").AverageResponseTimeMs; got != 100 {
		t.Fatalf("first sample sets the average, got %v", got)
	}

	tracker.ReportOutcome("p", StatusSuccess, 200, 0)
	// 0.2*200 + 0.8*100
	if got := tracker.Snapshot("p").AverageResponseTimeMs; math.Abs(got-120) > 1e-9 {
		t.Errorf("average = %v, want 120", got)
	}
}

func TestHealthTrackerDeferredIsNeutral(t *testing.T) {
	tracker := NewHealthTracker()
	tracker.SetFailureThreshold(1)
	p := testProvider("smtp-1", KindSMTP)

	tracker.ReportOutcome(p.ID, StatusDeferred, 500, 0)
	if !tracker.IsEligible(p) {
		t.Error("a deferral must not affect eligibility")
	}
	if got := tracker.Snapshot(p.ID).ConsecutiveFailures; got != 0 {
		t.Errorf("consecutive failures = %d, want 0", got)
	}
}

func TestHealthTrackerReset(t *testing.T) {
	tracker := NewHealthTracker()
	tracker.SetFailureThreshold(1)
	p := testProvider("smtp-1", KindSMTP)

	tracker.ReportOutcome(p.ID, StatusFailed, 0, 0)
	tracker.ReportOutcome(p.ID, StatusRateLimited, 0, time.Hour)
	if tracker.IsEligible(p) {
		t.Fatal("provider should be ineligible")
	}

	tracker.Reset(p.ID)
	if !tracker.IsEligible(p) {
		t.Error("reset should restore eligibility immediately")
	}
}

func TestHealthTrackerDisabledProviderNeverEligible(t *testing.T) {
	tracker := NewHealthTracker()
	p := testProvider("smtp-1", KindSMTP)
	p.Enabled = false
	if tracker.IsEligible(p) {
		t.Error("disabled provider must not be eligible regardless of health")
	}
}
