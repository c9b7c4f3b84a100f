package coreerr

import (
	"errors"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	t.Parallel()
	cases := map[Kind]int{
		NotFound:         http.StatusNotFound,
		Unauthorized:     http.StatusUnauthorized,
		PermissionDenied: http.StatusForbidden,
		ValidationError:  http.StatusBadRequest,
		Conflict:         http.StatusConflict,
		RateLimited:      http.StatusTooManyRequests,
		PowRequired:      http.StatusPreconditionRequired,
		Internal:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := New(kind, "x").HTTPStatus(); got != want {
			t.Errorf("%s: got %d want %d", kind, got, want)
		}
	}
}

func TestWrapPreservesUnwrap(t *testing.T) {
	t.Parallel()
	root := errors.New("connection refused")
	wrapped := Wrap(DbError, "querying actions", root)
	if !errors.Is(wrapped, root) {
		t.Error("expected errors.Is to find the wrapped root cause")
	}
}

func TestToEnvelopeKnownError(t *testing.T) {
	t.Parallel()
	err := RateLimitedError("ipv4/24", 1.5)
	status, env := ToEnvelope(err)
	if status != http.StatusTooManyRequests {
		t.Errorf("status = %d", status)
	}
	if env.Error.Code != "E-RATE-LIMITED" {
		t.Errorf("code = %s", env.Error.Code)
	}
	if env.Error.Details["level"] != "ipv4/24" {
		t.Errorf("details missing level: %+v", env.Error.Details)
	}
}

func TestToEnvelopeUnknownError(t *testing.T) {
	t.Parallel()
	status, env := ToEnvelope(errors.New("boom"))
	if status != http.StatusInternalServerError {
		t.Errorf("status = %d", status)
	}
	if env.Error.Code != "E-INTERNAL" {
		t.Errorf("code = %s", env.Error.Code)
	}
}

func TestIs(t *testing.T) {
	t.Parallel()
	err := New(Conflict, "duplicate")
	if !Is(err, Conflict) {
		t.Error("expected Is to match Conflict")
	}
	if Is(err, NotFound) {
		t.Error("expected Is to reject NotFound")
	}
	if Is(errors.New("plain"), Conflict) {
		t.Error("expected Is to reject non-coreerr errors")
	}
}

func TestPowRequiredErrorDetails(t *testing.T) {
	t.Parallel()
	err := PowRequiredError(4, "AAAA")
	if err.Details["required"] != 4 || err.Details["postfix"] != "AAAA" {
		t.Errorf("unexpected details: %+v", err.Details)
	}
}
