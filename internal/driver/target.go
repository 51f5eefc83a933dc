package driver

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/shiwa/timestep/internal/logger"
)

const maxPidFileInterval = 2 * time.Second

// ResolvePID возвращает pid процесса с shim: явный pid, либо содержимое pidFile.
// Пока файл отсутствует или пуст, чтение повторяется с экспоненциальной задержкой до отмены ctx.
func ResolvePID(ctx context.Context, pid int, pidFile string) (int, error) {
	if pid > 0 {
		return pid, nil
	}
	if pidFile == "" {
		return 0, ErrNoTarget
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = maxPidFileInterval

	for {
		pid, err := readPidFile(pidFile)
		if err == nil {
			return pid, nil
		}
		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxPidFileInterval
		}
		logger.Debug("pid file %s: %v; retry in %v", pidFile, err, sleep)
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %s: %v", ErrNoTarget, pidFile, ctx.Err())
		case <-time.After(sleep):
		}
	}
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, fmt.Errorf("empty pid file")
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse pid: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}
	return pid, nil
}
