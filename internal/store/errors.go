package store

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsConnectivityErr separates "the datastore is unreachable" from logic
// failures. The fault gate opens only for the former: network-level errors
// and SQLSTATE class 08 (connection exception) or 57 (operator intervention,
// e.g. server shutdown).
func IsConnectivityErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 {
			class := pgErr.Code[:2]
			return class == "08" || class == "57"
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}
