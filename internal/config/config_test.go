package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, "timestep.yml", `
shim:
  shift: 86400
driver:
  fps: 60
`)
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Shim.Shift != 86400 {
		t.Errorf("shift = %d", c.Shim.Shift)
	}
	if c.Shim.MaxIntercallDelta != 20000 {
		t.Errorf("max_intercall_delta = %d, want default 20000", c.Shim.MaxIntercallDelta)
	}
	if c.Signals.Freeze != "SIGVTALRM" || c.Signals.Step != "SIGUSR2" || c.Signals.StepComplete != "SIGUSR1" {
		t.Errorf("signals = %+v", c.Signals)
	}
	if c.Driver.FPS != 60 {
		t.Errorf("fps = %v", c.Driver.FPS)
	}
	if c.Driver.StepRate != 33333000 {
		t.Errorf("driver step_rate = %d", c.Driver.StepRate)
	}
	if c.Shim.ParamsEnv != EnvParams {
		t.Errorf("params_env = %q", c.Shim.ParamsEnv)
	}
	if c.Shim.KeepInterrupt {
		t.Error("keep_interrupt defaults to false")
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("missing file: want error")
	}
	if _, err := Load(writeFile(t, "bad.yml", "shim: [")); err == nil {
		t.Error("bad yaml: want error")
	}
	if _, err := Load(writeFile(t, "sig.yml", "signals:\n  step: SIGNOPE\n")); err == nil {
		t.Error("unknown signal: want error")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvConfig, "")
	c, err := LoadFromEnv()
	if err != nil || c.Shim.MaxIntercallDelta != 20000 {
		t.Fatalf("unset: %v %+v", err, c)
	}

	t.Setenv(EnvConfig, filepath.Join(t.TempDir(), "none.yml"))
	if _, err := LoadFromEnv(); err != nil {
		t.Errorf("missing file falls back to defaults: %v", err)
	}

	t.Setenv(EnvConfig, writeFile(t, "c.yml", "shim:\n  max_intercall_delta: 5000\n"))
	c, err = LoadFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if c.Shim.MaxIntercallDelta != 5000 {
		t.Errorf("max_intercall_delta = %d", c.Shim.MaxIntercallDelta)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"zero ceiling", func(c *Config) { c.Shim.MaxIntercallDelta = 0 }, false},
		{"negative idle", func(c *Config) { c.Shim.IdleTick = -1 }, false},
		{"sigurg freeze", func(c *Config) { c.Signals.Freeze = "SIGURG" }, false},
		{"sigurg step", func(c *Config) { c.Signals.Step = "SIGURG" }, false},
		{"same signals", func(c *Config) { c.Signals.Freeze = c.Signals.Step }, false},
		{"unknown", func(c *Config) { c.Signals.StepComplete = "USR1" }, false},
		{"sigusr1 freeze", func(c *Config) { c.Signals.Freeze = "SIGUSR1" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			err := c.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestParseSignal(t *testing.T) {
	sig, err := ParseSignal("SIGUSR2")
	if err != nil || sig != syscall.SIGUSR2 {
		t.Errorf("SIGUSR2 = %v, %v", sig, err)
	}
	if _, err := ParseSignal("SIGFOO"); err == nil {
		t.Error("SIGFOO: want error")
	}
}

func TestDurations(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 5 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"-1s", 5 * time.Second},
		{"soon", 5 * time.Second},
	}
	for _, tt := range tests {
		if got := (DriverConfig{StepTimeout: tt.in}).Timeout(); got != tt.want {
			t.Errorf("Timeout(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if got := (TelemetryConfig{}).ExportInterval(); got != 30*time.Second {
		t.Errorf("ExportInterval() = %v", got)
	}
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		in      string
		want    Params
		wantErr bool
	}{
		{"33333000 100 4242", Params{33333000, 100, 4242}, false},
		{"  1000\n10\t77\n", Params{1000, 10, 77}, false},
		{"0x10 010 0", Params{16, 8, 0}, false},
		{"5 5 -3", Params{5, 5, 0}, false},
		{"1 2 3 trailing", Params{1, 2, 3}, false},
		{"1 2", Params{}, true},
		{"", Params{}, true},
		{"a b c", Params{}, true},
		{"1 x 3", Params{}, true},
		{"+7 0X1f 1", Params{7, 31, 1}, false},
		{"0b101 2 3", Params{}, true},
		{"0o17 2 3", Params{}, true},
		{"1_000 2 3", Params{}, true},
		{"1 2 --3", Params{}, true},
		{"-1 2 3", Params{}, true},
		{"1 -2 3", Params{}, true},
	}
	for _, tt := range tests {
		got, err := ParseParams(strings.NewReader(tt.in))
		if tt.wantErr {
			if !errors.Is(err, ErrMalformedParams) {
				t.Errorf("ParseParams(%q) err = %v, want ErrMalformedParams", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseParams(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseParams(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestLoadParams(t *testing.T) {
	const env = "TIMESTEP_TEST_PARAMS"

	t.Setenv(env, "")
	if _, err := LoadParams(env); !errors.Is(err, ErrParamsUnset) {
		t.Errorf("unset: %v", err)
	}

	t.Setenv(env, filepath.Join(t.TempDir(), "missing"))
	if _, err := LoadParams(env); err == nil || errors.Is(err, ErrParamsUnset) {
		t.Errorf("missing file: %v", err)
	}

	path := filepath.Join(t.TempDir(), "params")
	want := Params{StepRate: 50000, IdleTick: 1000, DriverPID: 4242}
	if err := WriteParams(path, want); err != nil {
		t.Fatal(err)
	}
	t.Setenv(env, path)
	got, err := LoadParams(env)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("LoadParams = %+v, want %+v", got, want)
	}
}
