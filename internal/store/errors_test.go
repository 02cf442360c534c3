package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsConnectivityErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"net error", &net.DNSError{Err: "no such host", IsTimeout: true}, true},
		{"wrapped net error", fmt.Errorf("query: %w", &net.OpError{Op: "dial", Err: errors.New("refused")}), true},
		{"plain error", errors.New("boom"), false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"wrapped pg error", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "08001"}), true},
	}
	for _, tc := range cases {
		if got := IsConnectivityErr(tc.err); got != tc.want {
			t.Errorf("%s: IsConnectivityErr = %v, want %v", tc.name, got, tc.want)
		}
	}
}
