// Package mode — контроллер режима виртуальных часов: normal, frozen, frozen со шагом.
//
// Запросы от сигналов (ToggleFreeze, RequestStep) только увеличивают атомарные счётчики.
// Переходы состояния, чтение файла параметров и постановка шагов в очередь выполняются
// в Poll, который вызывается в начале каждого перехваченного вызова.
package mode

import (
	"errors"
	"sync/atomic"

	"github.com/shiwa/timestep/internal/config"
	"github.com/shiwa/timestep/internal/logger"
)

// Loader читает параметры driver при входе в frozen.
type Loader func() (config.Params, error)

// State — наблюдаемое состояние контроллера.
type State int

const (
	StateNormal State = iota
	StateFrozenIdle
	StateFrozenStepping // frozen и pending > 0
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateFrozenIdle:
		return "frozen-idle"
	case StateFrozenStepping:
		return "frozen-stepping"
	default:
		return "unknown"
	}
}

// Settings — начальные значения при загрузке.
type Settings struct {
	StepRate          int64
	IdleTick          int64
	MaxIntercallDelta int64
}

// Transition — итог одного Poll.
type Transition struct {
	Toggles     int64 // сколько запросов freeze-toggle применено
	Froze       bool  // был переход normal → frozen
	Thawed      bool  // был переход frozen → normal
	StepsQueued int64 // сколько запросов шага поставлено в очередь
	ReloadErr   error // ошибка чтения параметров (некритична)
}

// Controller владеет frozen, step_rate, idle_tick, pending_step_ns, driver_id.
// Методы, кроме ToggleFreeze и RequestStep, вызываются только из контекста вызова.
type Controller struct {
	toggles atomic.Int64
	steps   atomic.Int64

	frozen   bool
	stepRate int64
	idleTick int64
	pending  int64
	driver   int
	ceiling  int64
	load     Loader
}

// New создаёт контроллер в режиме normal. load может быть nil — тогда параметры не перечитываются.
func New(s Settings, load Loader) *Controller {
	if s.MaxIntercallDelta <= 0 {
		s.MaxIntercallDelta = 20000
	}
	c := &Controller{
		stepRate: s.StepRate,
		idleTick: s.IdleTick,
		ceiling:  s.MaxIntercallDelta,
		load:     load,
	}
	c.idleTick = c.clampIdle(c.idleTick)
	return c
}

// ToggleFreeze регистрирует запрос freeze-toggle. Безопасен из горутины сигналов.
func (c *Controller) ToggleFreeze() {
	c.toggles.Add(1)
}

// RequestStep регистрирует запрос шага. Запросы складываются.
func (c *Controller) RequestStep() {
	c.steps.Add(1)
}

// Poll применяет накопленные запросы: сначала toggle по порядку, затем шаги по текущему step_rate.
func (c *Controller) Poll() Transition {
	var tr Transition
	n := c.toggles.Swap(0)
	tr.Toggles = n
	// Шторм toggle сворачивается: вход и выход идемпотентны, важны только чётность и факт reload.
	if n > 3 {
		n = 2 + n%2
	}
	for i := int64(0); i < n; i++ {
		if c.frozen {
			c.thaw()
			tr.Thawed = true
		} else {
			if err := c.freeze(); err != nil {
				tr.ReloadErr = err
			}
			tr.Froze = true
		}
	}
	if s := c.steps.Swap(0); s > 0 {
		c.pending += s * c.stepRate
		tr.StepsQueued = s
	}
	return tr
}

// freeze начинает сессию driver с пустой очередью: шаги, оставшиеся с прошлой сессии или
// не поместившиеся в normal (естественный прирост у потолка), иначе дали бы новому driver лишнее подтверждение.
// Шаги из того же Poll ставятся в очередь уже после входа в frozen.
func (c *Controller) freeze() error {
	c.frozen = true
	if c.pending > 0 {
		logger.Debug("dropping %d ns of steps queued before freeze", c.pending)
		c.pending = 0
	}
	var err error
	if c.load != nil {
		var p config.Params
		p, err = c.load()
		switch {
		case err == nil:
			c.stepRate = p.StepRate
			c.idleTick = c.clampIdle(p.IdleTick)
			c.driver = p.DriverPID
		case errors.Is(err, config.ErrParamsUnset):
			logger.Debug("driver params not configured, keeping step_rate=%d idle_tick=%d", c.stepRate, c.idleTick)
		default:
			logger.Warn("driver params: %v; keeping previous configuration", err)
		}
	}
	logger.L().Info().
		Int("driver", c.driver).
		Int64("step_rate", c.stepRate).
		Int64("idle_tick", c.idleTick).
		Msg("started freezing time")
	return err
}

func (c *Controller) thaw() {
	c.frozen = false
	c.driver = 0
	logger.Info("stopped freezing time")
}

// clampIdle не даёт idle_tick достичь потолка: иначе шаги в frozen никогда не закончатся.
func (c *Controller) clampIdle(v int64) int64 {
	if v >= c.ceiling {
		logger.Warn("idle_tick %d >= max_intercall_delta %d, clamped", v, c.ceiling)
		return c.ceiling - 1
	}
	return v
}

// Drain отдаёт часть очереди шагов вызову с естественным приростом delta.
// Возвращает новый прирост и true, если очередь опустела именно на этом вызове.
// Вклад шага не поднимает прирост выше потолка; при delta >= потолка очередь не расходуется.
func (c *Controller) Drain(delta int64) (int64, bool) {
	if c.pending <= 0 {
		return delta, false
	}
	room := c.ceiling - delta
	if room <= 0 {
		return delta, false
	}
	if c.pending > room {
		c.pending -= room
		return c.ceiling, false
	}
	delta += c.pending
	c.pending = 0
	return delta, true
}

// Frozen сообщает, заморожено ли время.
func (c *Controller) Frozen() bool { return c.frozen }

// IdleTick — прирост за вызов в frozen, нс.
func (c *Controller) IdleTick() int64 { return c.idleTick }

// StepRate — нс на один запрос шага.
func (c *Controller) StepRate() int64 { return c.stepRate }

// Pending — остаток очереди шагов, нс.
func (c *Controller) Pending() int64 { return c.pending }

// DriverPID — pid driver для уведомления; 0 — нет driver.
func (c *Controller) DriverPID() int { return c.driver }

// MaxIntercallDelta — потолок прироста за вызов при шаге, нс.
func (c *Controller) MaxIntercallDelta() int64 { return c.ceiling }

// State возвращает текущее состояние автомата.
func (c *Controller) State() State {
	switch {
	case !c.frozen:
		return StateNormal
	case c.pending > 0:
		return StateFrozenStepping
	default:
		return StateFrozenIdle
	}
}
