// Copyright 2025 James Ross
package apperr

import (
	"errors"
	"testing"
)

func TestWrapIsUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrStorageBackendUnavail, "metastore", "get_dataset", cause)

	if !errors.Is(err, ErrStorageBackendUnavail) {
		t.Fatal("expected Is to match the wrapped sentinel kind")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected Unwrap to expose the original cause")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("did not expect a match against an unrelated sentinel")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		kind      error
		retryable bool
	}{
		{ErrStorageBackendUnavail, true},
		{ErrQueueUnavailable, true},
		{ErrObjectStoreUnavail, true},
		{ErrInvalidPayload, false},
		{ErrNotFound, false},
		{ErrInvalidRequest, false},
		{ErrConflict, false},
		{ErrUnexpected, false},
	}
	for _, c := range cases {
		err := Wrap(c.kind, "worker", "process", nil)
		if got := IsRetryable(err); got != c.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", c.kind, got, c.retryable)
		}
	}
	if IsRetryable(errors.New("unclassified")) {
		t.Fatal("unclassified errors must not be treated as retryable")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind error
		want int
	}{
		{ErrNotFound, 404},
		{ErrInvalidRequest, 422},
		{ErrInvalidPayload, 422},
		{ErrStorageBackendUnavail, 503},
		{ErrQueueUnavailable, 503},
		{ErrObjectStoreUnavail, 503},
		{ErrUnexpected, 500},
	}
	for _, c := range cases {
		err := Wrap(c.kind, "api", "op", nil)
		if got := HTTPStatus(err); got != c.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestCode(t *testing.T) {
	err := Wrap(ErrActiveJobExists, "controller", "enqueue", nil)
	if got := Code(err); got != "ACTIVE_JOB_EXISTS" {
		t.Fatalf("Code() = %q, want ACTIVE_JOB_EXISTS", got)
	}
}
