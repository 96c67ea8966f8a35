package store

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestUnavailableMatchesSentinelAndCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("get job: %w", Unavailable("crawl_job_state.get", cause))

	if !IsUnavailable(err) {
		t.Fatalf("expected IsUnavailable for %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved in %v", err)
	}
	if IsUnavailable(ErrNotFound) {
		t.Fatal("ErrNotFound must not be treated as unavailable")
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"conn done", fmt.Errorf("exec: %w", sql.ErrConnDone), true},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, true},
		{"no rows", sql.ErrNoRows, false},
		{"plain", errors.New("syntax error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.want {
				t.Errorf("IsConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
