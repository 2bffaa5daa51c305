package ippool

import "errors"

var (
	// ErrPoolExhausted is returned when a pool has no free or reclaimable
	// address left.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrLeaseMismatch is returned when a renew targets an address whose
	// current lease is held by a different session. Callers treat it as a
	// benign duplicate or out-of-order NAS report, not a fatal condition.
	ErrLeaseMismatch = errors.New("lease owner mismatch")

	// ErrUnknownPool is returned when the named pool was never provisioned.
	ErrUnknownPool = errors.New("unknown pool")
)
