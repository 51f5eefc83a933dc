// Package driver — внешняя сторона протокола: замораживает часы процесса с shim,
// продвигает их по шагу и ждёт подтверждения каждого шага.
package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/shiwa/timestep/internal/config"
	"github.com/shiwa/timestep/internal/logger"
)

var (
	// ErrNoTarget — не задан и не найден pid процесса с shim.
	ErrNoTarget = errors.New("driver: no target process")
	// ErrStepTimeout — shim не подтвердил шаг за отведённое время.
	ErrStepTimeout = errors.New("driver: step not acknowledged")
)

// Signaler отправляет сигнал процессу.
type Signaler func(pid int, sig syscall.Signal) error

// Driver управляет одним процессом с shim.
type Driver struct {
	target  int
	step    syscall.Signal
	freeze  syscall.Signal
	ack     syscall.Signal
	timeout time.Duration
	limiter *rate.Limiter
	cfg     config.DriverConfig

	acks   chan os.Signal
	send   Signaler
	notify func(c chan<- os.Signal, sig ...os.Signal)
	stop   func(c chan<- os.Signal)
	frozen bool
}

// New создаёт driver для процесса target.
func New(cfg *config.Config, target int) (*Driver, error) {
	if target <= 0 {
		return nil, ErrNoTarget
	}
	if cfg == nil {
		cfg = config.Default()
	}
	step, err := config.ParseSignal(cfg.Signals.Step)
	if err != nil {
		return nil, err
	}
	freeze, err := config.ParseSignal(cfg.Signals.Freeze)
	if err != nil {
		return nil, err
	}
	ack, err := config.ParseSignal(cfg.Signals.StepComplete)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.Driver.FPS > 0 {
		limit = rate.Limit(cfg.Driver.FPS)
	}
	return &Driver{
		target:  target,
		step:    step,
		freeze:  freeze,
		ack:     ack,
		timeout: cfg.Driver.Timeout(),
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg.Driver,
		acks:    make(chan os.Signal, 16),
		send:    unix.Kill,
		notify:  signal.Notify,
		stop:    signal.Stop,
	}, nil
}

// Target возвращает pid управляемого процесса.
func (d *Driver) Target() int { return d.target }

// Listen подписывается на подтверждения шага. Вызывать до Freeze: shim шлёт их на pid driver.
func (d *Driver) Listen() {
	d.notify(d.acks, d.ack)
}

// Close отписывается от подтверждений.
func (d *Driver) Close() {
	d.stop(d.acks)
}

// WriteParams записывает файл параметров. notify — pid, которому shim шлёт подтверждения шага
// (os.Getpid() для Record, 0 — без подтверждений).
func (d *Driver) WriteParams(notify int) error {
	p := config.Params{StepRate: d.cfg.StepRate, IdleTick: d.cfg.IdleTick, DriverPID: notify}
	if err := config.WriteParams(d.cfg.ParamsPath, p); err != nil {
		return err
	}
	logger.L().Info().
		Str("path", d.cfg.ParamsPath).
		Int64("step_rate", p.StepRate).
		Int64("idle_tick", p.IdleTick).
		Int("driver", p.DriverPID).
		Msg("driver params written")
	return nil
}

// Freeze замораживает часы процесса (если ещё не заморожены этим driver).
func (d *Driver) Freeze() error {
	if d.frozen {
		return nil
	}
	if err := d.signal(d.freeze); err != nil {
		return err
	}
	d.frozen = true
	return nil
}

// Release снимает заморозку.
func (d *Driver) Release() error {
	if !d.frozen {
		return nil
	}
	if err := d.signal(d.freeze); err != nil {
		return err
	}
	d.frozen = false
	return nil
}

// AssumeFrozen отмечает, что часы процесса уже заморожены (например однократным freeze).
func (d *Driver) AssumeFrozen() { d.frozen = true }

// Toggle шлёт freeze-toggle без учёта состояния (для ручного управления).
func (d *Driver) Toggle() error {
	return d.signal(d.freeze)
}

// Step запрашивает один шаг и ждёт подтверждения (с ограничением частоты fps).
func (d *Driver) Step(ctx context.Context) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	d.drainStale()
	if err := d.signal(d.step); err != nil {
		return err
	}
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.acks:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrStepTimeout, d.timeout)
	}
}

// Nudge запрашивает шаг, не дожидаясь подтверждения.
func (d *Driver) Nudge() error {
	return d.signal(d.step)
}

// FrameFunc вызывается после каждого подтверждённого шага.
type FrameFunc func(ctx context.Context, frame int) error

// Record замораживает часы и шагает, пока не отменён ctx, не сделано frames шагов (0 — без ограничения)
// или onFrame не вернул ошибку. На выходе заморозка снимается. Возвращает число сделанных кадров.
// Без AssumeFrozen процесс должен быть незаморожен: иначе первый toggle его разморозит.
func (d *Driver) Record(ctx context.Context, frames int, onFrame FrameFunc) (int, error) {
	logger.Info("capturing clock of pid %d", d.target)
	if d.frozen {
		// shim перечитывает параметры (и pid для подтверждений) только при входе в frozen.
		logger.Info("pid %d already frozen, refreezing to register driver %d", d.target, os.Getpid())
		if err := d.Release(); err != nil {
			return 0, err
		}
	}
	if err := d.Freeze(); err != nil {
		return 0, err
	}
	defer func() {
		logger.Info("releasing clock of pid %d", d.target)
		if err := d.Release(); err != nil {
			logger.Error("release: %v", err)
		}
	}()

	n := 0
	for frames == 0 || n < frames {
		if err := d.Step(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return n, nil
			}
			return n, err
		}
		if onFrame != nil {
			if err := onFrame(ctx, n); err != nil {
				if ctx.Err() != nil {
					return n, nil
				}
				return n, fmt.Errorf("frame %d: %w", n, err)
			}
		}
		n++
		logger.Debug("%d frames captured", n)
	}
	return n, nil
}

func (d *Driver) signal(sig syscall.Signal) error {
	if err := d.send(d.target, sig); err != nil {
		return fmt.Errorf("signal %v to pid %d: %w", sig, d.target, err)
	}
	return nil
}

// drainStale отбрасывает подтверждения, пришедшие до запроса (например после таймаута).
func (d *Driver) drainStale() {
	for {
		select {
		case <-d.acks:
		default:
			return
		}
	}
}
