package driver

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/shiwa/timestep/internal/config"
	"github.com/shiwa/timestep/internal/logger"
)

// Job — запуск процесса, в который загружен shim.
type Job struct {
	Path       string   // исполняемый файл
	Args       []string // аргументы
	ParamsPath string   // путь к файлу параметров driver (в окружение как DRIVER_PARAMS)
	ConfigPath string   // опционально YAML-конфиг shim (TIMESTEP_CONFIG)
	PidFile    string   // куда процесс запишет pid, когда будет готов к сигналам (TIMESTEP_PID_FILE)
	Env        []string // доп. переменные KEY=VALUE
	Output     io.Writer
}

// Subject — запущенный процесс.
type Subject struct {
	cmd    *exec.Cmd
	once   sync.Once
	done   chan error
	exited chan struct{}
}

// Launch запускает процесс с окружением для shim. Процесс ставится в свою группу,
// чтобы Ctrl-C в терминале driver его не задевал.
func Launch(j Job) (*Subject, error) {
	if j.Path == "" {
		return nil, fmt.Errorf("launch: empty path")
	}
	cmd := exec.Command(j.Path, j.Args...)
	cmd.Env = append(os.Environ(), j.Env...)
	if j.ParamsPath != "" {
		cmd.Env = append(cmd.Env, config.EnvParams+"="+j.ParamsPath)
	}
	if j.ConfigPath != "" {
		cmd.Env = append(cmd.Env, config.EnvConfig+"="+j.ConfigPath)
	}
	if j.PidFile != "" {
		// Старый файл указал бы на чужой pid.
		if err := os.Remove(j.PidFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("launch: stale pid file: %w", err)
		}
		cmd.Env = append(cmd.Env, config.EnvPidFile+"="+j.PidFile)
	}
	if j.Output != nil {
		cmd.Stdout = j.Output
		cmd.Stderr = j.Output
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", j.Path, err)
	}
	logger.Info("subject started: %s (pid %d)", j.Path, cmd.Process.Pid)

	s := &Subject{cmd: cmd, done: make(chan error, 1), exited: make(chan struct{})}
	go func() {
		s.done <- cmd.Wait()
		close(s.exited)
	}()
	return s, nil
}

// PID возвращает pid запущенного процесса.
func (s *Subject) PID() int { return s.cmd.Process.Pid }

// Done отдаёт результат Wait после выхода процесса.
func (s *Subject) Done() <-chan error { return s.done }

// Exited закрывается после выхода процесса.
func (s *Subject) Exited() <-chan struct{} { return s.exited }

// Stop убивает процесс (повторные вызовы ничего не делают).
func (s *Subject) Stop() {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
}
