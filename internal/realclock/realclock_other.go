//go:build !linux

package realclock

import "github.com/jonboulle/clockwork"

// Resolve вне Linux читает время через clockwork (time.Now).
func Resolve() (Func, error) {
	return FromClock(clockwork.NewRealClock()), nil
}

// IntercallNs — заглушка вне Linux.
func IntercallNs() int64 {
	return 0
}
