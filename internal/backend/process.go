package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// maxLineSize bounds a single JSON line read from an agent subprocess.
const maxLineSize = 4 * 1024 * 1024

// newCommand creates an exec.Cmd in its own process group so that a whole agent
// subprocess tree can be signalled at once.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	return cmd
}

// streamCommand starts cmd, writes stdin to it and hands every stdout line to onLine
// while stderr is drained concurrently. Both pipes are fully read before cmd.Wait so a
// chatty agent cannot deadlock on a full pipe buffer.
//
// If onLine returns an error the remaining output is still drained and the error is
// returned after the process exits.
func streamCommand(ctx context.Context, cmd *exec.Cmd, stdin []byte, pm *ProcessManager, onLine func([]byte) error) (stderr []byte, err error) {
	cmd.Stdin = bytes.NewReader(stdin)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var (
		wg        sync.WaitGroup
		stderrBuf bytes.Buffer
		lineErr   error
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 || lineErr != nil {
				continue
			}
			lineErr = onLine(line)
		}
		if err := scanner.Err(); err != nil && lineErr == nil {
			lineErr = fmt.Errorf("reading agent output: %w", err)
		}
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, stdoutPipe)
	}()

	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderrBuf, stderrPipe)
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	stderr = stderrBuf.Bytes()

	if waitErr != nil {
		if ctx.Err() != nil {
			return stderr, ctx.Err()
		}
		if len(stderr) > 0 {
			return stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, bytes.TrimSpace(stderr))
		}
		return stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	return stderr, lineErr
}

// killProcessGroup sends SIGKILL to the process group of cmd (negative pid).
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks agent subprocesses so shutdown can terminate whatever is still
// running after the scheduler has drained.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack forgets a subprocess once it has been waited on.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates every tracked process group.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}
	return nil
}

// Count returns the number of tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
