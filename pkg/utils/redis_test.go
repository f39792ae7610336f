package utils

import (
	"testing"
	"time"
)

func TestRateScriptCompiles(t *testing.T) {
	// Compile-time smoke test: the script should be initialized.
	if rateAllowScript == nil {
		t.Fatalf("expected script to be initialized")
	}
}

func TestNewRateLimiterValidation(t *testing.T) {
	if _, err := NewRateLimiter(nil, "", 10, time.Second); err == nil {
		t.Fatal("nil client must be rejected")
	}
}
