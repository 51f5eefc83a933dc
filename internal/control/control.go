// Package control — сигнальный протокол между внешним driver и shim.
//
// Входящие сигналы: запрос шага и freeze-toggle. Исходящий: подтверждение завершения шага.
package control

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/shiwa/timestep/internal/logger"
)

// sigBuffer — ёмкость канала сигналов. os/signal отбрасывает сигналы при переполненном канале.
const sigBuffer = 256

// Handler получает запросы. Методы должны быть дешёвыми: они вызываются из горутины сигналов.
type Handler interface {
	ToggleFreeze()
	RequestStep()
}

// Channel слушает сигналы step и freeze и передаёт их Handler.
type Channel struct {
	handler Handler
	step    syscall.Signal
	freeze  syscall.Signal

	// OnSignal вызывается после передачи каждого сигнала (опционально, для метрик).
	OnSignal func(sig syscall.Signal)

	notify func(c chan<- os.Signal, sig ...os.Signal)
	stop   func(c chan<- os.Signal)

	ready     chan struct{}
	readyOnce sync.Once
}

// New создаёт канал управления.
func New(h Handler, step, freeze syscall.Signal) *Channel {
	return &Channel{
		handler: h,
		step:    step,
		freeze:  freeze,
		notify:  signal.Notify,
		stop:    signal.Stop,
		ready:   make(chan struct{}),
	}
}

// Ready закрывается, когда Run подписался на сигналы (или выяснил, что подписываться не на что).
// До этого сигнал step или freeze завершает процесс действием по умолчанию.
func (c *Channel) Ready() <-chan struct{} { return c.ready }

func (c *Channel) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// registrable сообщает, можно ли перехватить сигнал.
func registrable(sig syscall.Signal) bool {
	return sig > 0 && sig != syscall.SIGKILL && sig != syscall.SIGSTOP
}

// Run подписывается на сигналы и обрабатывает их до отмены ctx.
// Сигнал, который нельзя перехватить, не фатален: соответствующая функция просто недоступна.
func (c *Channel) Run(ctx context.Context) error {
	var sigs []os.Signal
	if registrable(c.step) {
		sigs = append(sigs, c.step)
	} else {
		logger.Error("failed to attach to step signal %v, time won't be steppable", c.step)
	}
	if registrable(c.freeze) {
		sigs = append(sigs, c.freeze)
	} else {
		logger.Error("failed to attach to freeze signal %v, time won't be freezable", c.freeze)
	}
	if len(sigs) == 0 {
		c.markReady()
		<-ctx.Done()
		return ctx.Err()
	}

	ch := make(chan os.Signal, sigBuffer)
	c.notify(ch, sigs...)
	defer c.stop(ch)
	c.markReady()
	logger.Debug("control channel: step=%v freeze=%v", c.step, c.freeze)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-ch:
			sig, ok := s.(syscall.Signal)
			if !ok {
				continue
			}
			c.dispatch(sig)
		}
	}
}

func (c *Channel) dispatch(sig syscall.Signal) {
	switch sig {
	case c.step:
		c.handler.RequestStep()
	case c.freeze:
		c.handler.ToggleFreeze()
	default:
		return
	}
	if c.OnSignal != nil {
		c.OnSignal(sig)
	}
}

// KillNotifier отправляет driver сигнал завершения шага.
type KillNotifier struct {
	Signal syscall.Signal
}

// StepComplete шлёт Signal процессу pid.
func (n KillNotifier) StepComplete(pid int) error {
	if err := unix.Kill(pid, n.Signal); err != nil {
		return fmt.Errorf("notify driver %d: %w", pid, err)
	}
	return nil
}

// IgnoreInterrupt отключает SIGINT для процесса: ctrl-C в терминале driver не должен останавливать shim.
func IgnoreInterrupt() {
	signal.Ignore(os.Interrupt)
}
