package reliability

import (
	"errors"
	"testing"
	"time"
)

func TestIsQuotaError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection reset by peer"), false},
		{errors.New("429 quota exceeded"), true},
		{errors.New("RESOURCE_EXHAUSTED: rate limit"), true},
		{errors.New("Quota exceeded for model"), true},
	}
	for _, tc := range cases {
		if got := IsQuotaError(tc.err); got != tc.want {
			t.Fatalf("IsQuotaError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(errors.New("context canceled")) {
		t.Fatalf("IsCancellation(context canceled) = false, want true")
	}
	if !IsCancellation(errors.New("operation cancelled")) {
		t.Fatalf("IsCancellation(operation cancelled) = false, want true")
	}
	if IsCancellation(errors.New("network down")) {
		t.Fatalf("IsCancellation(network down) = true, want false")
	}
}

func TestExponentialBackoffMonotoneAndCapped(t *testing.T) {
	base := 1 * time.Second
	capDur := 5 * time.Second
	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := ExponentialBackoff(attempt, base, capDur)
		if d < prev {
			t.Fatalf("attempt %d backoff %v < previous %v", attempt, d, prev)
		}
		if d > capDur {
			t.Fatalf("attempt %d backoff %v exceeds cap %v", attempt, d, capDur)
		}
		prev = d
	}
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
