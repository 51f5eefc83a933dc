package config

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// EnvConfig — переменная окружения с путём к YAML конфигу shim (читается один раз при загрузке).
const EnvConfig = "TIMESTEP_CONFIG"

// EnvPidFile — путь, куда процесс с shim пишет свой pid после подписки на сигналы.
const EnvPidFile = "TIMESTEP_PID_FILE"

// Config — конфигурация timestep: shim, сигналы, driver, telemetry, log.
type Config struct {
	Shim      ShimConfig      `yaml:"shim"`
	Signals   SignalsConfig   `yaml:"signals"`
	Driver    DriverConfig    `yaml:"driver"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// ShimConfig — параметры, фиксируемые при загрузке shim.
type ShimConfig struct {
	// MaxIntercallDelta — потолок прироста виртуального времени за один вызов при шаге, нс.
	// 20000 нс ≈ 2× реальный интервал между вызовами gettimeofday у эмулятора.
	MaxIntercallDelta int64 `yaml:"max_intercall_delta"`
	// Shift — постоянный сдвиг абсолютного времени, секунды.
	Shift int64 `yaml:"shift"`
	// Начальные step_rate / idle_tick до первого чтения файла параметров.
	StepRate int64 `yaml:"step_rate"`
	IdleTick int64 `yaml:"idle_tick"`
	// ParamsEnv — имя переменной окружения с путём к файлу параметров driver.
	ParamsEnv string `yaml:"params_env"`
	// KeepInterrupt — не игнорировать SIGINT (по умолчанию shim игнорирует ctrl-C группы процессов driver).
	KeepInterrupt bool `yaml:"keep_interrupt"`
}

// SignalsConfig — имена сигналов протокола (должны совпадать у shim и driver).
type SignalsConfig struct {
	Step         string `yaml:"step"`
	Freeze       string `yaml:"freeze"`
	StepComplete string `yaml:"step_complete"`
}

// DriverConfig — параметры внешнего driver (timestep-driver).
type DriverConfig struct {
	ParamsPath  string  `yaml:"params_path"`
	StepRate    int64   `yaml:"step_rate"`
	IdleTick    int64   `yaml:"idle_tick"`
	PidFile     string  `yaml:"pid_file"`
	FPS         float64 `yaml:"fps"`
	StepTimeout string  `yaml:"step_timeout"` // например "2s"; пусто = 5s
}

// TelemetryConfig — экспорт счётчиков через OTLP/HTTP.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Interval     string `yaml:"interval"`
}

// LogConfig — уровень и quiet.
type LogConfig struct {
	Level string `yaml:"level"`
	Quiet bool   `yaml:"quiet"`
}

// Default возвращает конфиг по умолчанию
func Default() *Config {
	return &Config{
		Shim: ShimConfig{
			MaxIntercallDelta: 20000,
			StepRate:          1,
			IdleTick:          1,
			ParamsEnv:         EnvParams,
		},
		Signals: SignalsConfig{
			Step:         "SIGUSR2",
			Freeze:       "SIGVTALRM",
			StepComplete: "SIGUSR1",
		},
		Driver: DriverConfig{
			ParamsPath:  filepath.Join(os.TempDir(), "timestep-driver-params"),
			StepRate:    33333 * 1000,
			IdleTick:    100,
			FPS:         30,
			StepTimeout: "5s",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4318",
			Interval:     "30s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load читает конфиг из YAML
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFromEnv читает конфиг по пути из TIMESTEP_CONFIG; без переменной или файла — Default().
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Validate проверяет согласованность значений.
func (c *Config) Validate() error {
	if c.Shim.MaxIntercallDelta <= 0 {
		return fmt.Errorf("shim.max_intercall_delta must be > 0, got %d", c.Shim.MaxIntercallDelta)
	}
	if c.Shim.StepRate < 0 || c.Shim.IdleTick < 0 {
		return fmt.Errorf("shim: step_rate and idle_tick must be >= 0")
	}
	for _, name := range []string{c.Signals.Step, c.Signals.Freeze, c.Signals.StepComplete} {
		if _, err := ParseSignal(name); err != nil {
			return err
		}
	}
	// Рантайм Go шлёт SIGURG для вытеснения горутин: как входящий сигнал он даёт ложные срабатывания.
	if c.Signals.Step == "SIGURG" || c.Signals.Freeze == "SIGURG" {
		return fmt.Errorf("signals: SIGURG is used by the Go runtime for preemption")
	}
	if c.Signals.Step == c.Signals.Freeze {
		return fmt.Errorf("signals: step and freeze must differ (%s)", c.Signals.Step)
	}
	return nil
}

// ParseSignal переводит имя сигнала ("SIGUSR2") в номер.
func ParseSignal(name string) (syscall.Signal, error) {
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

// Timeout возвращает таймаут ожидания подтверждения шага. Пусто или ошибка — 5s.
func (d DriverConfig) Timeout() time.Duration {
	return parseDuration(d.StepTimeout, 5*time.Second)
}

// ExportInterval возвращает период экспорта метрик. Пусто или ошибка — 30s.
func (t TelemetryConfig) ExportInterval() time.Duration {
	return parseDuration(t.Interval, 30*time.Second)
}

func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func applyDefaults(c *Config) {
	d := Default()
	if c.Shim.MaxIntercallDelta == 0 {
		c.Shim.MaxIntercallDelta = d.Shim.MaxIntercallDelta
	}
	if c.Shim.StepRate == 0 {
		c.Shim.StepRate = d.Shim.StepRate
	}
	if c.Shim.IdleTick == 0 {
		c.Shim.IdleTick = d.Shim.IdleTick
	}
	if c.Shim.ParamsEnv == "" {
		c.Shim.ParamsEnv = d.Shim.ParamsEnv
	}
	if c.Signals.Step == "" {
		c.Signals.Step = d.Signals.Step
	}
	if c.Signals.Freeze == "" {
		c.Signals.Freeze = d.Signals.Freeze
	}
	if c.Signals.StepComplete == "" {
		c.Signals.StepComplete = d.Signals.StepComplete
	}
	if c.Driver.ParamsPath == "" {
		c.Driver.ParamsPath = d.Driver.ParamsPath
	}
	if c.Driver.StepRate == 0 {
		c.Driver.StepRate = d.Driver.StepRate
	}
	if c.Driver.IdleTick == 0 {
		c.Driver.IdleTick = d.Driver.IdleTick
	}
	if c.Driver.FPS == 0 {
		c.Driver.FPS = d.Driver.FPS
	}
	if c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = d.Telemetry.OTLPEndpoint
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}
