// Package realclock находит и вызывает настоящий gettimeofday, который оборачивает shim.
package realclock

import (
	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"
)

// Func — сигнатура настоящего чтения часов: заполняет tv и возвращает собственный статус.
type Func func(tv *unix.Timeval) error

// Resolver находит настоящую функцию. Ошибка означает, что shim работать не может.
type Resolver func() (Func, error)

// FromClock строит Func поверх clockwork.Clock (фейковые часы в тестах, запасной вариант вне Linux).
func FromClock(c clockwork.Clock) Func {
	return func(tv *unix.Timeval) error {
		*tv = unix.NsecToTimeval(c.Now().UnixNano())
		return nil
	}
}

// Static всегда возвращает fn (для подстановки в тестах).
func Static(fn Func) Resolver {
	return func() (Func, error) { return fn, nil }
}
