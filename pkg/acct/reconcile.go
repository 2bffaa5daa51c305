package acct

// Reconcile combines a 32-bit octet counter with its gigaword rollover count
// into a true 64-bit byte count (RFC 2869 Acct-Input/Output-Gigawords).
//
// A NAS that never reports gigawords yields gigawords == 0, in which case the
// raw low word is the best available value. A low word that wrapped without a
// gigaword increment cannot be detected here; the caller's monotonicity check
// is what catches the resulting regression.
func Reconcile(low32, gigawords uint32) uint64 {
	return uint64(gigawords)<<32 | uint64(low32)
}
