// Package accumulator переводит реальное прошедшее время в виртуальное по политике контроллера режима.
package accumulator

// TimelineID — слот независимой временной шкалы.
type TimelineID int

const (
	TimelineMonotonic    TimelineID = iota // зарезервирован
	TimelineGettimeofday                   // активен: перехват gettimeofday
	TimelineRealtime                       // зарезервирован

	NumTimelines = 3
)

// Timeline — состояние одной шкалы, в наносекундах от baseline.
type Timeline struct {
	LastReal    int64
	LastVirtual int64
}

// Mode — то, что Accumulator читает у контроллера режима.
type Mode interface {
	Frozen() bool
	IdleTick() int64
	Drain(delta int64) (int64, bool)
	DriverPID() int
}

// Notifier отправляет driver уведомление о завершении шага.
type Notifier interface {
	StepComplete(pid int) error
}

// Accumulator хранит три шкалы. Не потокобезопасен: вызывающий сериализует Filter.
type Accumulator struct {
	timelines [NumTimelines]Timeline
	mode      Mode
	notify    Notifier

	// OnNotifyError вызывается при ошибке уведомления (опционально).
	OnNotifyError func(pid int, err error)
	// OnStepComplete вызывается на вызове, опустошившем очередь шагов (опционально).
	OnStepComplete func()
}

// New создаёт Accumulator с нулевыми шкалами. notify может быть nil.
func New(mode Mode, notify Notifier) *Accumulator {
	return &Accumulator{mode: mode, notify: notify}
}

// Filter принимает текущий реальный сэмпл (нс от baseline) и возвращает накопленное виртуальное время.
// Результат не убывает: отрицательный реальный прирост считается нулевым.
func (a *Accumulator) Filter(sample int64, id TimelineID) int64 {
	tl := &a.timelines[id]
	delta := sample - tl.LastReal
	tl.LastReal = sample
	if delta < 0 {
		delta = 0
	}
	if a.mode.Frozen() {
		delta = a.mode.IdleTick()
	}
	delta, done := a.mode.Drain(delta)
	if done {
		if a.OnStepComplete != nil {
			a.OnStepComplete()
		}
		if pid := a.mode.DriverPID(); pid > 0 && a.notify != nil {
			if err := a.notify.StepComplete(pid); err != nil && a.OnNotifyError != nil {
				a.OnNotifyError(pid, err)
			}
		}
	}
	tl.LastVirtual += delta
	return tl.LastVirtual
}

// Timeline возвращает копию состояния шкалы.
func (a *Accumulator) Timeline(id TimelineID) Timeline {
	return a.timelines[id]
}
