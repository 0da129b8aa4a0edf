package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// Command is one external command invocation.
type Command struct {
	Name string   `json:"name" yaml:"name"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	Dir  string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	Env  []string `json:"env,omitempty" yaml:"env,omitempty"`
}

// NewCommand builds a Command from argv.
func NewCommand(argv ...string) Command {
	if len(argv) == 0 {
		return Command{}
	}
	return Command{Name: argv[0], Args: append([]string(nil), argv[1:]...)}
}

// In returns a copy of c that runs in dir.
func (c Command) In(dir string) Command {
	c.Dir = dir
	return c
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// ExecResult is what a single subprocess run produced.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs one subprocess attempt. A non-nil error means the attempt failed.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (ExecResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, cmd Command) (ExecResult, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, cmd Command) (ExecResult, error) {
	return f(ctx, cmd)
}

// ProcessInfo describes a running tracked subprocess.
type ProcessInfo struct {
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

type trackedProcess struct {
	info ProcessInfo
	cmd  *exec.Cmd
}

// ProcessExecutor runs commands with os/exec and tracks live processes so
// they can be killed by an emergency stop.
type ProcessExecutor struct {
	mu        sync.Mutex
	processes map[int]*trackedProcess
}

// NewProcessExecutor creates an executor with an empty process table.
func NewProcessExecutor() *ProcessExecutor {
	return &ProcessExecutor{processes: make(map[int]*trackedProcess)}
}

// Execute implements Executor.
func (e *ProcessExecutor) Execute(ctx context.Context, cmd Command) (ExecResult, error) {
	if cmd.Name == "" {
		return ExecResult{ExitCode: -1}, errors.New("empty command")
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Start(); err != nil {
		return ExecResult{ExitCode: -1, Stderr: err.Error()}, fmt.Errorf("start %s: %w", cmd.Name, err)
	}

	pid := c.Process.Pid
	e.mu.Lock()
	e.processes[pid] = &trackedProcess{
		info: ProcessInfo{PID: pid, Command: cmd.String(), StartedAt: time.Now()},
		cmd:  c,
	}
	e.mu.Unlock()

	err := c.Wait()

	e.mu.Lock()
	delete(e.processes, pid)
	e.mu.Unlock()

	res := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: c.ProcessState.ExitCode(),
	}
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, fmt.Errorf("%s timed out: %w", cmd.Name, ctxErr)
		}
		return res, fmt.Errorf("%s exited with code %d: %w", cmd.Name, res.ExitCode, err)
	}
	return res, nil
}

// Running lists tracked processes ordered by start time.
func (e *ProcessExecutor) Running() []ProcessInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ProcessInfo, 0, len(e.processes))
	for _, p := range e.processes {
		out = append(out, p.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// KillAll kills every tracked process and returns how many were stopped. A
// process that already exited but was not yet reaped still counts.
func (e *ProcessExecutor) KillAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	killed := 0
	for _, p := range e.processes {
		if p.cmd.Process == nil {
			continue
		}
		if err := p.cmd.Process.Kill(); err == nil || errors.Is(err, os.ErrProcessDone) {
			killed++
		}
	}
	return killed
}
