package apigate

import (
	"testing"
	"time"
)

func TestTokenBucketGateExhaustion(t *testing.T) {
	gate := NewTokenBucketGate(3, time.Hour)

	for i := 0; i < 3; i++ {
		if !gate.CanMakeRequest() {
			t.Fatalf("request %d denied with tokens available", i)
		}
		gate.RecordRequest()
	}

	if gate.CanMakeRequest() {
		t.Error("request allowed with empty bucket")
	}
	if got := gate.GetRemainingRequests(); got != 0 {
		t.Errorf("got %d remaining, want 0", got)
	}
}

func TestTokenBucketGateRefill(t *testing.T) {
	gate := NewTokenBucketGate(2, 10*time.Millisecond)
	gate.RecordRequest()
	gate.RecordRequest()

	if gate.CanMakeRequest() {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(25 * time.Millisecond)

	if !gate.CanMakeRequest() {
		t.Error("bucket did not refill")
	}
	if got := gate.GetRemainingRequests(); got != 2 {
		t.Errorf("got %d remaining after refill, want 2 (capped at max)", got)
	}
}

func TestTokenBucketGateResetTime(t *testing.T) {
	gate := NewTokenBucketGate(1, time.Minute)

	// With a token available the reset time is now-ish.
	if reset := gate.GetResetTime(); time.Until(reset) > time.Second {
		t.Errorf("reset time %v in the future with tokens available", time.Until(reset))
	}

	gate.RecordRequest()

	reset := gate.GetResetTime()
	until := time.Until(reset)
	if until <= 0 || until > time.Minute {
		t.Errorf("got reset in %v, want within (0, 1m]", until)
	}
}

func TestTokenBucketGateEmptyConsumeIsNoop(t *testing.T) {
	gate := NewTokenBucketGate(1, time.Hour)
	gate.RecordRequest()
	gate.RecordRequest() // empty bucket, must not go negative

	if got := gate.GetRemainingRequests(); got != 0 {
		t.Errorf("got %d remaining, want 0", got)
	}
}
