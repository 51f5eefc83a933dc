//go:build linux

package realclock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Resolve возвращает системный gettimeofday, проверив один вызов.
func Resolve() (Func, error) {
	var tv unix.Timeval
	if err := unix.Gettimeofday(&tv); err != nil {
		return nil, fmt.Errorf("resolve gettimeofday: %w", err)
	}
	return unix.Gettimeofday, nil
}

// IntercallNs измеряет минимальный ненулевой интервал между соседними вызовами gettimeofday, нс.
// Помогает выбрать max_intercall_delta (по умолчанию ≈ 2× этого значения у эмулятора).
func IntercallNs() int64 {
	const rounds = 20
	var minDt int64 = 1e9
	for i := 0; i < rounds; i++ {
		var t1, t2 unix.Timeval
		_ = unix.Gettimeofday(&t1)
		_ = unix.Gettimeofday(&t2)
		dt := t2.Nano() - t1.Nano()
		if dt > 0 && dt < minDt {
			minDt = dt
		}
	}
	if minDt == 1e9 {
		return 0
	}
	return minDt
}
