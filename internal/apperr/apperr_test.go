package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := Conflict(CodeDuplicateReport, "task already DELIVERED")
	wrapped := fmt.Errorf("report status: %w", base)

	if got := KindOf(wrapped); got != KindConflict {
		t.Errorf("KindOf: got %q, want %q", got, KindConflict)
	}
	if !errors.Is(wrapped, Conflict(CodeDuplicateReport, "")) {
		t.Error("errors.Is should match on kind and code")
	}
	if errors.Is(wrapped, Conflict(CodeTerminalState, "")) {
		t.Error("errors.Is must not match a different code")
	}
}

func TestKindOf_Untyped(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("got %q, want internal", got)
	}
}

func TestToBody_HidesInternalDetails(t *testing.T) {
	status, body := ToBody(Internal("insert task", errors.New("pq: connection reset")))
	if status != http.StatusInternalServerError {
		t.Errorf("status: got %d", status)
	}
	if body.Message != "internal error" {
		t.Errorf("message leaked internals: %q", body.Message)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:        http.StatusBadRequest,
		KindConflict:          http.StatusConflict,
		KindNotFound:          http.StatusNotFound,
		KindForbidden:         http.StatusForbidden,
		KindInsufficientFunds: http.StatusPaymentRequired,
		KindLimitExceeded:     http.StatusTooManyRequests,
		KindExternalProvider:  http.StatusBadGateway,
		KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("%s: got %d, want %d", kind, got, want)
		}
	}
}
