package swarmfs

import (
	"errors"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	err := NewIntegrityError("hash mismatch", "peer-1", nil)
	if !IsIntegrityError(err) {
		t.Fatalf("expected integrity error classification")
	}
	if IsRetryable(err) {
		t.Fatalf("integrity errors should not be retryable")
	}

	timeout := NewTimeoutError("request expired", "peer-2")
	if !IsTimeoutError(timeout) {
		t.Fatalf("expected timeout error classification")
	}
	if !IsRetryable(timeout) {
		t.Fatalf("timeout errors should be retryable")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying failure")
	err := NewTransportError("dial failed", "peer-3", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ChunkSize == 0 {
		t.Fatalf("default chunk size should be nonzero")
	}
	if cfg.AtomicWriteCap != 16*1024*1024-1 {
		t.Fatalf("unexpected atomic write cap: %d", cfg.AtomicWriteCap)
	}
	if cfg.AcceptEmptyProofs {
		t.Fatalf("AcceptEmptyProofs should default to false")
	}
}
