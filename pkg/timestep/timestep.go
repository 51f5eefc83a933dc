// Package timestep — shim виртуального времени: перехват gettimeofday, заморозка и пошаговое
// продвижение часов по сигналам внешнего driver.
//
// Shim — единственный владелец состояния: контроллер режима, шкалы Accumulator, baseline
// и канал управления. Перехваченный вызов сериализуется мьютексом.
package timestep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sys/unix"

	"github.com/shiwa/timestep/internal/accumulator"
	"github.com/shiwa/timestep/internal/config"
	"github.com/shiwa/timestep/internal/control"
	"github.com/shiwa/timestep/internal/logger"
	"github.com/shiwa/timestep/internal/mode"
	"github.com/shiwa/timestep/internal/realclock"
	"github.com/shiwa/timestep/internal/telemetry"
)

// ErrUnresolved — настоящий gettimeofday не найден; shim работать не может.
var ErrUnresolved = errors.New("timestep: real gettimeofday unavailable")

// Option настраивает Shim.
type Option func(*Shim)

// WithResolver подменяет поиск настоящего gettimeofday.
func WithResolver(r realclock.Resolver) Option {
	return func(s *Shim) { s.resolve = r }
}

// WithNotifier подменяет отправку подтверждения шага.
func WithNotifier(n accumulator.Notifier) Option {
	return func(s *Shim) { s.notifier = n }
}

// WithParamsLoader подменяет чтение файла параметров driver.
func WithParamsLoader(l mode.Loader) Option {
	return func(s *Shim) { s.loader = l }
}

// WithMeter задаёт meter для счётчиков.
func WithMeter(m metric.Meter) Option {
	return func(s *Shim) { s.meter = m }
}

// WithFatal подменяет реакцию на фатальную ошибку (по умолчанию — завершение процесса).
func WithFatal(f func(error)) Option {
	return func(s *Shim) { s.onFatal = f }
}

// Shim — контекст перехвата.
type Shim struct {
	cfg config.ShimConfig

	mu       sync.Mutex
	ctrl     *mode.Controller
	acc      *accumulator.Accumulator
	channel  *control.Channel
	notifier accumulator.Notifier
	loader   mode.Loader
	meter    metric.Meter
	inst     *telemetry.Instruments
	onFatal  func(error)

	resolve    realclock.Resolver
	once       sync.Once
	real       realclock.Func
	resolveErr error
	baseSec    int64
	baseUsec   int64

	wg     conc.WaitGroup
	cancel context.CancelFunc
}

// New создаёт Shim по конфигу. Ничего не перехватывает до Start/первого вызова.
func New(cfg *config.Config, opts ...Option) (*Shim, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("timestep config: %w", err)
	}
	stepSig, _ := config.ParseSignal(cfg.Signals.Step)
	freezeSig, _ := config.ParseSignal(cfg.Signals.Freeze)
	completeSig, _ := config.ParseSignal(cfg.Signals.StepComplete)

	paramsEnv := cfg.Shim.ParamsEnv
	s := &Shim{
		cfg:      cfg.Shim,
		resolve:  realclock.Resolve,
		notifier: control.KillNotifier{Signal: completeSig},
		loader:   func() (config.Params, error) { return config.LoadParams(paramsEnv) },
		onFatal:  func(err error) { logger.Fatal("%v", err) },
	}
	for _, o := range opts {
		o(s)
	}

	inst, err := telemetry.NewInstruments(s.meter)
	if err != nil {
		return nil, err
	}
	s.inst = inst

	s.ctrl = mode.New(mode.Settings{
		StepRate:          cfg.Shim.StepRate,
		IdleTick:          cfg.Shim.IdleTick,
		MaxIntercallDelta: cfg.Shim.MaxIntercallDelta,
	}, s.loader)

	s.acc = accumulator.New(s.ctrl, s.notifier)
	s.acc.OnStepComplete = func() {
		s.inst.StepsCompleted.Add(context.Background(), 1)
	}
	s.acc.OnNotifyError = func(pid int, err error) {
		s.inst.NotifyFailures.Add(context.Background(), 1)
		logger.Error("step complete: %v", err)
	}

	s.channel = control.New(s.ctrl, stepSig, freezeSig)
	s.channel.OnSignal = func(sig syscall.Signal) {
		if sig == stepSig {
			s.inst.StepsRequested.Add(context.Background(), 1)
		}
	}

	logger.L().Info().
		Int64("step_rate", cfg.Shim.StepRate).
		Int64("idle_tick", cfg.Shim.IdleTick).
		Int64("max_intercall_delta", cfg.Shim.MaxIntercallDelta).
		Int64("shift", cfg.Shim.Shift).
		Str("step", cfg.Signals.Step).
		Str("freeze", cfg.Signals.Freeze).
		Msg("set up")
	return s, nil
}

// Start подписывается на управляющие сигналы и возвращается, когда подписка выполнена:
// после Start процесс можно объявлять driver (pid-файл). Без KeepInterrupt процесс перестаёт реагировать на SIGINT.
func (s *Shim) Start(ctx context.Context) {
	if !s.cfg.KeepInterrupt {
		control.IgnoreInterrupt()
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Go(func() {
		if err := s.channel.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("control channel: %v", err)
		}
	})
	select {
	case <-s.channel.Ready():
	case <-ctx.Done():
	}
}

// Close останавливает канал управления.
func (s *Shim) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// ToggleFreeze и RequestStep — те же запросы, что приходят сигналами (для встраивания без сигналов).
func (s *Shim) ToggleFreeze() { s.ctrl.ToggleFreeze() }

// RequestStep — см. ToggleFreeze.
func (s *Shim) RequestStep() {
	s.inst.StepsRequested.Add(context.Background(), 1)
	s.ctrl.RequestStep()
}

func (s *Shim) init() {
	fn, err := s.resolve()
	if err != nil {
		s.resolveErr = fmt.Errorf("%w: %v", ErrUnresolved, err)
		return
	}
	var base unix.Timeval
	if err := fn(&base); err != nil {
		s.resolveErr = fmt.Errorf("%w: baseline: %v", ErrUnresolved, err)
		return
	}
	sec, nsec := base.Unix()
	s.real = fn
	s.baseSec = sec
	s.baseUsec = nsec / 1000
}

// Gettimeofday — перехваченный вызов: настоящее время → прошедшее от baseline → Accumulator →
// абсолютное виртуальное время + shift. Возвращает статус настоящего вызова без изменений.
func (s *Shim) Gettimeofday(tv *unix.Timeval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.once.Do(s.init)
	if s.resolveErr != nil {
		s.onFatal(s.resolveErr)
		return s.resolveErr
	}
	s.poll()
	s.inst.InterceptedCall.Add(context.Background(), 1)

	if err := s.real(tv); err != nil {
		return err
	}
	sec, nsec := tv.Unix()
	elapsedUs := (sec-s.baseSec)*1_000_000 + (nsec/1000 - s.baseUsec)

	virtUs := s.acc.Filter(elapsedUs*1000, accumulator.TimelineGettimeofday) / 1000

	outSec := virtUs/1_000_000 + s.baseSec + s.cfg.Shift
	outUsec := virtUs%1_000_000 + s.baseUsec
	if outUsec >= 1_000_000 {
		outUsec -= 1_000_000
		outSec++
	}
	*tv = unix.NsecToTimeval(outSec*1_000_000_000 + outUsec*1000)
	return nil
}

func (s *Shim) poll() {
	tr := s.ctrl.Poll()
	ctx := context.Background()
	if tr.Toggles > 0 {
		s.inst.FreezeToggles.Add(ctx, tr.Toggles)
	}
	if tr.ReloadErr != nil && !errors.Is(tr.ReloadErr, config.ErrParamsUnset) {
		s.inst.ReloadFailures.Add(ctx, 1)
	}
}

// Now возвращает виртуальное время как time.Time.
func (s *Shim) Now() (time.Time, error) {
	var tv unix.Timeval
	if err := s.Gettimeofday(&tv); err != nil {
		return time.Time{}, err
	}
	return time.Unix(tv.Unix()), nil
}

// Status — снимок состояния для логов.
type Status struct {
	State       mode.State
	Pending     int64
	StepRate    int64
	IdleTick    int64
	DriverPID   int
	LastVirtual time.Duration
}

// Status возвращает снимок состояния (без Poll).
func (s *Shim) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:       s.ctrl.State(),
		Pending:     s.ctrl.Pending(),
		StepRate:    s.ctrl.StepRate(),
		IdleTick:    s.ctrl.IdleTick(),
		DriverPID:   s.ctrl.DriverPID(),
		LastVirtual: time.Duration(s.acc.Timeline(accumulator.TimelineGettimeofday).LastVirtual),
	}
}
