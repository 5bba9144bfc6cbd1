// Package ptyproc owns the lifecycle of one child process spawned under a
// pseudo-terminal: spawning, a background read pump, writing, signaling,
// and idempotent teardown.
//
// Grounded on the PTY allocation and lifecycle pattern of
// internal/daemon/instance.go's startAgent/ptyReader/destroy trio, reworked
// around the spec's channel/login semantics instead of a per-instance log
// file and attach connection.
package ptyproc

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// readChunkBytes is the size of each read issued against the PTY master, per
// the spec's read-pump contract.
const readChunkBytes = 256

// Event is delivered by a running Process's read pump. EOF is true exactly
// once, on the final event for a given pump, and carries no data.
type Event struct {
	PID     int
	Channel int
	Data    []byte
	EOF     bool
}

// Process owns one child and its PTY master.
type Process struct {
	pid         int
	description string

	cmd    *exec.Cmd
	master *os.File

	mu         sync.Mutex
	returnCode *int

	pumpDone    chan struct{}
	cleanupOnce sync.Once
	hooks       []func()
}

// RunTTY spawns executable with argv under a fresh PTY. The child's stdin,
// stdout, and stderr are all connected to the PTY slave; it becomes session
// leader and acquires the slave as its controlling terminal (via pty.Start's
// Setsid/Setctty handling), and inherits rows/cols from initialSize.
func RunTTY(executable string, argv []string, cwd string, env []string, initialSize *pty.Winsize) (*Process, error) {
	cmd := exec.Command(executable, argv...)
	cmd.Dir = cwd
	cmd.Env = env

	var master *os.File
	var err error
	if initialSize != nil {
		master, err = pty.StartWithSize(cmd, initialSize)
	} else {
		master, err = pty.Start(cmd)
	}
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", executable, err)
	}

	return &Process{
		pid:         cmd.Process.Pid,
		description: fmt.Sprintf("run_tty(%s %v)", executable, argv),
		cmd:         cmd,
		master:      master,
		pumpDone:    make(chan struct{}),
	}, nil
}

// RunShellTTY runs command via the user's shell (sh -c) under a fresh PTY,
// with LANG=C forced in the environment to stabilize any downstream tools
// the command invokes.
func RunShellTTY(command string, initialSize *pty.Winsize) (*Process, error) {
	env := append(os.Environ(), "LANG=C")
	return RunTTY("/bin/sh", []string{"-c", command}, "", env, initialSize)
}

// PID returns the child's process id.
func (p *Process) PID() int { return p.pid }

// Description returns the debug string recorded at spawn time.
func (p *Process) Description() string { return p.description }

// AddCleanupHook registers a function invoked, in registration order, once
// Cleanup runs. Hooks run after the writer is closed.
func (p *Process) AddCleanupHook(hook func()) {
	p.mu.Lock()
	p.hooks = append(p.hooks, hook)
	p.mu.Unlock()
}

// Write sends data to the PTY master unbuffered. Partial writes are not
// surfaced to the caller.
func (p *Process) Write(data []byte) error {
	_, err := p.master.Write(data)
	return err
}

// Signal delivers an OS signal to the child.
func (p *Process) Signal(sig syscall.Signal) error {
	return syscall.Kill(p.pid, sig)
}

// SetWinsize propagates a terminal size onto this process's PTY master.
func (p *Process) SetWinsize(rows, cols uint16) error {
	return pty.Setsize(p.master, &pty.Winsize{Rows: rows, Cols: cols})
}

// ReturnCode reports the child's exit code once it has exited, or ok=false
// while it is still running.
func (p *Process) ReturnCode() (code int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.returnCode == nil {
		return 0, false
	}
	return *p.returnCode, true
}

// Pump reads up to readChunkBytes at a time from the master and sends one
// Event per non-empty read on events, tagged with the given logical
// channel. On EOF (or any read error, treated as EOF) it reaps the child via
// Wait, records the return code, and sends one final Event with EOF=true
// before returning. Pump must be started at most once per Process and is
// normally run in its own goroutine.
func (p *Process) Pump(channel int, events chan<- Event) {
	buf := make([]byte, readChunkBytes)
	for {
		n, err := p.master.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			events <- Event{PID: p.pid, Channel: channel, Data: chunk}
		}
		if err != nil {
			break
		}
	}

	waitErr := p.cmd.Wait()
	code := exitCode(waitErr)

	p.mu.Lock()
	p.returnCode = &code
	p.mu.Unlock()

	close(p.pumpDone)
	events <- Event{PID: p.pid, Channel: channel, EOF: true}
}

// Cleanup is idempotent. If the child hasn't exited yet it is sent SIGKILL
// (errors swallowed) and Cleanup blocks until the read pump observes its
// exit; the PTY master is then closed and every registered cleanup hook is
// invoked in order. It returns the child's exit code.
func (p *Process) Cleanup() int {
	p.cleanupOnce.Do(func() {
		p.mu.Lock()
		stillRunning := p.returnCode == nil
		p.mu.Unlock()

		if stillRunning {
			_ = p.Signal(syscall.SIGKILL)
		}
		<-p.pumpDone

		p.master.Close()

		p.mu.Lock()
		hooks := p.hooks
		p.mu.Unlock()
		for _, h := range hooks {
			h()
		}
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.returnCode == nil {
		return -1
	}
	return *p.returnCode
}

// exitCode extracts a POSIX-style exit code from the error returned by
// exec.Cmd.Wait. nil means the process exited 0; an *exec.ExitError carries
// the real code, which ExitCode reports as -1 when the process was killed by
// a signal (e.g. the SIGKILL sent by Cleanup); any other error is reported
// as -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
