// Package logger — единый вывод логов timestep (zerolog) с учётом quiet.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Quiet при true отключает информационные сообщения (Debug, Info); Warn, Error и Fatal выводятся всегда.
var Quiet bool

var log = newLogger(os.Stderr)

func newLogger(w io.Writer) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339Nano}
	return zerolog.New(out).With().Timestamp().Str("component", "timestep").Logger().Level(zerolog.InfoLevel)
}

// SetOutput перенаправляет вывод (например в буфер в тестах).
func SetOutput(w io.Writer) {
	log = zerolog.New(w).With().Timestamp().Str("component", "timestep").Logger().Level(log.GetLevel())
}

// SetLevel устанавливает уровень: debug, info, warn, error. Пустая строка — info.
func SetLevel(name string) error {
	if name == "" {
		name = "info"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("log level %q: %w", name, err)
	}
	log = log.Level(lvl)
	return nil
}

// L возвращает логгер для структурированных событий.
func L() *zerolog.Logger {
	return &log
}

// Debug выводит отладочное сообщение, если Quiet == false.
func Debug(format string, args ...interface{}) {
	if Quiet {
		return
	}
	log.Debug().Msgf(format, args...)
}

// Info выводит сообщение, если Quiet == false.
func Info(format string, args ...interface{}) {
	if Quiet {
		return
	}
	log.Info().Msgf(format, args...)
}

// Warn выводит предупреждение всегда.
func Warn(format string, args ...interface{}) {
	log.Warn().Msgf(format, args...)
}

// Error выводит сообщение об ошибке всегда.
func Error(format string, args ...interface{}) {
	log.Error().Msgf(format, args...)
}

// Fatal выводит сообщение и завершает процесс.
func Fatal(format string, args ...interface{}) {
	log.Fatal().Msgf(format, args...)
}
