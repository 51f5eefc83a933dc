package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// EnvParams — переменная окружения по умолчанию с путём к файлу параметров driver.
const EnvParams = "DRIVER_PARAMS"

var (
	// ErrParamsUnset — переменная окружения с путём к файлу параметров не задана.
	ErrParamsUnset = errors.New("driver params: environment variable not set")
	// ErrMalformedParams — файл параметров не содержит трёх корректных целых.
	ErrMalformedParams = errors.New("driver params: malformed")
)

// Params — содержимое файла параметров driver: "step_rate idle_tick driver_pid".
type Params struct {
	StepRate  int64 // нс на один запрос шага
	IdleTick  int64 // нс на вызов в замороженном режиме
	DriverPID int   // <= 0 — driver не уведомляется
}

// ParseParams читает три целых, разделённых пробелами. Как и %i: знак, префиксы 0x (hex) и 0 (octal);
// формы Go 0b, 0o и разделители "_" отвергаются.
// Разбор всё-или-ничего: при любой ошибке возвращается ErrMalformedParams.
func ParseParams(r io.Reader) (Params, error) {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return Params{}, fmt.Errorf("read driver params: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return Params{}, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformedParams, len(fields))
	}
	var vals [3]int64
	for i := range vals {
		v, err := parseCInt(fields[i])
		if err != nil {
			return Params{}, fmt.Errorf("%w: field %d: %v", ErrMalformedParams, i+1, err)
		}
		vals[i] = v
	}
	if vals[0] < 0 || vals[1] < 0 {
		return Params{}, fmt.Errorf("%w: negative step_rate/idle_tick", ErrMalformedParams)
	}
	p := Params{StepRate: vals[0], IdleTick: vals[1], DriverPID: int(vals[2])}
	if p.DriverPID < 0 {
		p.DriverPID = 0
	}
	return p, nil
}

// parseCInt разбирает целое в формате %i.
func parseCInt(s string) (int64, error) {
	digits := strings.TrimLeft(s, "+-")
	if strings.Contains(s, "_") || len(s)-len(digits) > 1 {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	if len(digits) > 1 && digits[0] == '0' && strings.ContainsRune("bBoO", rune(digits[1])) {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return strconv.ParseInt(s, 0, 64)
}

// LoadParams читает файл параметров по пути из переменной окружения env.
func LoadParams(env string) (Params, error) {
	path := os.Getenv(env)
	if path == "" {
		return Params{}, fmt.Errorf("%w: %s", ErrParamsUnset, env)
	}
	f, err := os.Open(path)
	if err != nil {
		return Params{}, fmt.Errorf("open driver params: %w", err)
	}
	defer f.Close()
	return ParseParams(f)
}

// WriteParams записывает файл параметров для shim (сторона driver).
func WriteParams(path string, p Params) error {
	data := fmt.Sprintf("%d %d %d", p.StepRate, p.IdleTick, p.DriverPID)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write driver params: %w", err)
	}
	return nil
}
