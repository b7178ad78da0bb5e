package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("overloaded"), 503), true},
		{"wrapped explicit", fmt.Errorf("webhook: %w", NewTransientError(errors.New("rate limited"), 429)), true},
		{"plain", errors.New("invalid input"), false},
		{"connection reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"connection refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"network timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"broken pipe text", errors.New("write: broken pipe"), true},
		{"pg connection failure", &pgconn.PgError{Code: "08006", Message: "connection failure"}, true},
		{"pg starting up", eris.Wrap(&pgconn.PgError{Code: "57P03", Message: "the database system is starting up"}, "db: ping"), true},
		{"pg unique violation", &pgconn.PgError{Code: "23505", Message: "duplicate key value"}, false},
		{"pg bad password", &pgconn.PgError{Code: "28P01", Message: "password authentication failed"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}
	for _, code := range []int{200, 204, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to not be transient", code)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 500)
	if !errors.Is(te, inner) {
		t.Error("TransientError should unwrap to the inner error")
	}
	if te.Error() != "root cause" {
		t.Errorf("unexpected message %q", te.Error())
	}
}
