// timestep-host — процесс с установленным shim: печатает своё виртуальное время.
//
// Используется как подопытный процесс для timestep-driver: driver замораживает его часы,
// шагает их и снимает заморозку, а host показывает, что видит перехваченный gettimeofday.
//
// Использование:
//
//	timestep-host --pid-file /tmp/host.pid --interval 100ms
//	TIMESTEP_CONFIG=timestep.yml DRIVER_PARAMS=/tmp/params timestep-host
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/shiwa/timestep/internal/config"
	"github.com/shiwa/timestep/internal/logger"
	"github.com/shiwa/timestep/internal/realclock"
	"github.com/shiwa/timestep/internal/telemetry"
	"github.com/shiwa/timestep/pkg/timestep"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "путь к YAML конфигу (по умолчанию $TIMESTEP_CONFIG)")
	pidFile := pflag.String("pid-file", os.Getenv(config.EnvPidFile),
		"записать pid в файл после подписки на сигналы (для timestep-driver --pid-file; по умолчанию $TIMESTEP_PID_FILE)")
	interval := pflag.Duration("interval", 500*time.Millisecond, "период печати виртуального времени (реальное время)")
	count := pflag.Int("count", 0, "выйти после N отметок (0 — без ограничения)")
	quiet := pflag.BoolP("quiet", "q", false, "меньше вывода")
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("config: %v", err)
	}
	logger.Quiet = *quiet || cfg.Log.Quiet
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		logger.Fatal("%v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	var opts []timestep.Option
	if cfg.Telemetry.Enabled {
		tp, err := telemetry.NewProvider(ctx, cfg.Telemetry, "timestep-host")
		if err != nil {
			logger.Fatal("telemetry: %v", err)
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := tp.Shutdown(sctx); err != nil {
				logger.Error("telemetry shutdown: %v", err)
			}
		}()
		opts = append(opts, timestep.WithMeter(tp.Meter()))
	}

	shim, err := timestep.New(cfg, opts...)
	if err != nil {
		logger.Fatal("%v", err)
	}
	shim.Start(ctx)
	defer shim.Close()

	if ns := realclock.IntercallNs(); ns > 0 {
		logger.Info("real gettimeofday intercall ~%d ns, ceiling %d ns", ns, cfg.Shim.MaxIntercallDelta)
	}

	// Start вернулся: сигналы подписаны, freeze от driver больше не убьёт процесс.
	if *pidFile != "" {
		if err := os.WriteFile(*pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			logger.Fatal("pid file: %v", err)
		}
		defer os.Remove(*pidFile)
	}

	if err := run(ctx, shim, *interval, *count); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromEnv()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(ctx context.Context, shim *timestep.Shim, interval time.Duration, count int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 0; count == 0 || n < count; n++ {
		now, err := shim.Now()
		if err != nil {
			return err
		}
		st := shim.Status()
		fmt.Printf("%s  %-15s pending=%dns\n", now.UTC().Format(time.RFC3339Nano), st.State, st.Pending)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
