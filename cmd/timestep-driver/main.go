// timestep-driver — внешнее управление часами процесса с shim.
//
// Использование:
//
//	timestep-driver freeze  --pid N          — заморозить часы (записать параметры, freeze-toggle)
//	timestep-driver release --pid N          — снять заморозку
//	timestep-driver step    --pid N [-n 10]  — запросить шаги без ожидания подтверждения
//	timestep-driver record  --pid-file F [--frames 100] [--exec 'cmd'] [--frozen] [-- subject args...]
//
// record: заморозка, цикл шаг→подтверждение→кадр с частотой fps, на выходе (Ctrl-C) заморозка снимается.
// record рассчитывает на незамороженный процесс; после однократного freeze нужен --frozen.
// Команда --exec получает номер кадра в переменной FRAME. Если после "--" указан процесс,
// driver запускает его сам с DRIVER_PARAMS и TIMESTEP_PID_FILE, ждёт pid-файл и останавливает процесс при выходе.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/shiwa/timestep/internal/config"
	"github.com/shiwa/timestep/internal/driver"
	"github.com/shiwa/timestep/internal/logger"
)

type common struct {
	configPath string
	pid        int
	pidFile    string
	quiet      bool
}

func (c *common) register(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", "", "путь к YAML конфигу")
	fs.IntVarP(&c.pid, "pid", "p", 0, "pid процесса с shim")
	fs.StringVar(&c.pidFile, "pid-file", "", "файл с pid процесса с shim (ждать появления)")
	fs.BoolVarP(&c.quiet, "quiet", "q", false, "меньше вывода")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "freeze", "release":
		err = runToggle(ctx, cmd, args)
	case "step":
		err = runStep(ctx, args)
	case "record":
		err = runRecord(ctx, args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: timestep-driver {freeze|release|step|record} [flags] [-- subject args...]")
}

func setup(c *common) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if c.configPath != "" {
		cfg, err = config.Load(c.configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger.Quiet = c.quiet || cfg.Log.Quiet
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	if c.pidFile == "" {
		c.pidFile = cfg.Driver.PidFile
	}
	return cfg, nil
}

func connect(ctx context.Context, cfg *config.Config, c *common) (*driver.Driver, error) {
	pid, err := driver.ResolvePID(ctx, c.pid, c.pidFile)
	if err != nil {
		return nil, err
	}
	return driver.New(cfg, pid)
}

// runToggle — однократная заморозка/разморозка. Состояние процесса driver не знает, поэтому
// freeze и release отправляют один и тот же toggle; freeze перед этим обновляет файл параметров.
func runToggle(ctx context.Context, cmd string, args []string) error {
	var c common
	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	c.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := setup(&c)
	if err != nil {
		return err
	}
	d, err := connect(ctx, cfg, &c)
	if err != nil {
		return err
	}
	if cmd == "freeze" {
		// Процесс driver завершится, подтверждения слать некому.
		if err := d.WriteParams(0); err != nil {
			return err
		}
	}
	if err := d.Toggle(); err != nil {
		return err
	}
	logger.Info("%s: pid %d", cmd, d.Target())
	return nil
}

func runStep(ctx context.Context, args []string) error {
	var c common
	fs := pflag.NewFlagSet("step", pflag.ContinueOnError)
	c.register(fs)
	n := fs.IntP("count", "n", 1, "число шагов")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := setup(&c)
	if err != nil {
		return err
	}
	d, err := connect(ctx, cfg, &c)
	if err != nil {
		return err
	}
	for i := 0; i < *n; i++ {
		if err := d.Nudge(); err != nil {
			return err
		}
	}
	logger.Info("%d step(s) requested for pid %d", *n, d.Target())
	return nil
}

func runRecord(ctx context.Context, args []string) error {
	var c common
	fs := pflag.NewFlagSet("record", pflag.ContinueOnError)
	c.register(fs)
	frames := fs.Int("frames", 0, "число кадров (0 — до Ctrl-C)")
	hook := fs.String("exec", "", "команда после каждого кадра (sh -c, номер кадра в $FRAME)")
	fps := fs.Float64("fps", 0, "частота шагов (переопределяет config)")
	stepRate := fs.Int64("step-rate", 0, "нс виртуального времени на шаг (переопределяет config)")
	frozen := fs.Bool("frozen", false, "процесс уже заморожен командой freeze")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := setup(&c)
	if err != nil {
		return err
	}
	if *fps > 0 {
		cfg.Driver.FPS = *fps
	}
	if *stepRate > 0 {
		cfg.Driver.StepRate = *stepRate
	}

	resolveCtx := ctx
	if subject := fs.Args(); len(subject) > 0 {
		// pid берётся только из pid-файла: процесс пишет его после подписки на сигналы,
		// а freeze до подписки завершил бы его.
		if c.pid == 0 && c.pidFile == "" {
			c.pidFile = filepath.Join(os.TempDir(), fmt.Sprintf("timestep-subject-%d.pid", os.Getpid()))
			defer os.Remove(c.pidFile)
		}
		s, err := driver.Launch(driver.Job{
			Path:       subject[0],
			Args:       subject[1:],
			ParamsPath: cfg.Driver.ParamsPath,
			ConfigPath: c.configPath,
			PidFile:    c.pidFile,
			Output:     os.Stderr,
		})
		if err != nil {
			return err
		}
		defer s.Stop()

		var cancel context.CancelFunc
		resolveCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-s.Exited():
				cancel()
			case <-resolveCtx.Done():
			}
		}()
	}

	d, err := connect(resolveCtx, cfg, &c)
	if err != nil {
		return err
	}
	if *frozen {
		d.AssumeFrozen()
	}
	d.Listen()
	defer d.Close()
	if err := d.WriteParams(os.Getpid()); err != nil {
		return err
	}

	var onFrame driver.FrameFunc
	if *hook != "" {
		onFrame = func(ctx context.Context, frame int) error {
			cmd := exec.CommandContext(ctx, "/bin/sh", "-c", *hook)
			cmd.Env = append(os.Environ(), "FRAME="+strconv.Itoa(frame))
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return cmd.Run()
		}
	}

	n, err := d.Record(ctx, *frames, onFrame)
	logger.Info("%d frames captured", n)
	return err
}
