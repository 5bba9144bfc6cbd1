// Package agent implements the terminal multiplexer agent's single
// execution context: it owns the process registry, the registered-pid
// monitor, and the autopoll state machine, and is the only place that
// mutates any of them. The stdin reader, PTY read pumps and the autopoll
// ticker only ever send values into Agent.Run's select loop. SIGWINCH is
// handled by winsize.Propagator's own goroutine, which resizes the PTYs in
// its mutex-guarded target set directly; the Agent only adds and removes
// targets.
//
// Grounded on framer.py's mainloop/handle/cleanup trio: one coroutine
// dispatches requests strictly serially, drains completed pids after each
// one, and everything else (read pumps, autopoll) is a concurrent task that
// only ever calls the shared send() function. The Go port replaces "only
// ever calls send()" with "only ever sends an Event/Request on a channel",
// which is what lets a single goroutine replace the asyncio event loop
// without a mutex.
package agent

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/ianremillard/ptyagent/internal/loginshell"
	"github.com/ianremillard/ptyagent/internal/procmon"
	"github.com/ianremillard/ptyagent/internal/proto"
	"github.com/ianremillard/ptyagent/internal/ptyproc"
	"github.com/ianremillard/ptyagent/internal/winsize"
)

// pumpChannel is the internal channel number every PTY read pump is given;
// it is unrelated to the value reported to the client, which for login
// shells is -1 (see procEntry.reportedChannel).
const pumpChannel = 1

// Request is one parsed line-protocol request, or a terminal read error.
type Request struct {
	Args []string
	Err  error
}

type procEntry struct {
	proc            *ptyproc.Process
	identifier      int64
	reportedChannel int
}

// Logger is the subset of *log.Logger that Agent needs, so tests can supply
// a no-op implementation.
type Logger interface {
	Printf(format string, args ...any)
}

// Agent is the mainloop's execution context.
type Agent struct {
	out     *proto.Writer
	monitor *procmon.Monitor
	resize  *winsize.Propagator
	log     Logger
	exit    func(code int)

	stdinFd      int
	pollInterval time.Duration

	processes map[int]*procEntry
	completed []int

	events chan ptyproc.Event

	autopollArmed  bool
	autopollTicker *time.Ticker
}

// New builds an Agent. resize may be nil if SIGWINCH propagation isn't
// wired up (e.g. stdin is not a terminal).
func New(out *proto.Writer, monitor *procmon.Monitor, resize *winsize.Propagator, logger Logger, stdinFd int, pollInterval time.Duration) *Agent {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Agent{
		out:          out,
		monitor:      monitor,
		resize:       resize,
		log:          logger,
		exit:         os.Exit,
		stdinFd:      stdinFd,
		pollInterval: pollInterval,
		processes:    make(map[int]*procEntry),
		events:       make(chan ptyproc.Event, 64),
	}
}

// Run is the mainloop: it serially dispatches requests from reqs, draining
// completed children and interleaving background output/autopoll events,
// until a request handler signals quit or reqs is closed. It returns the
// process exit status.
func (a *Agent) Run(reqs <-chan Request) int {
	for {
		select {
		case req, ok := <-reqs:
			if !ok {
				return 0
			}
			if req.Err != nil {
				a.fail(fmt.Sprintf("exception during read_line: %v", req.Err))
				return 1
			}
			quit := a.handleRequest(req.Args)
			a.drainCompleted()
			if quit {
				a.out.Quit()
				return 0
			}
		case ev := <-a.events:
			a.handleEvent(ev)
			a.drainCompleted()
		case <-a.tickerC():
			a.onAutopollTick()
		}
	}
}

func (a *Agent) tickerC() <-chan time.Time {
	if a.autopollTicker == nil {
		return nil
	}
	return a.autopollTicker.C
}

func (a *Agent) handleEvent(ev ptyproc.Event) {
	entry, ok := a.processes[ev.PID]
	if !ok {
		return
	}
	if ev.EOF {
		a.completed = append(a.completed, ev.PID)
		return
	}
	if len(ev.Data) > 0 {
		a.out.Output(entry.identifier, ev.PID, entry.reportedChannel, ev.Data)
	}
}

// drainCompleted runs Cleanup on every pid the read pumps have flagged as
// finished since it last ran, in the order they completed, and emits one
// %terminate per pid. It is called after every request and on every EOF
// event, so a %terminate is never delayed behind a quiescent client waiting
// on its own stdin.
func (a *Agent) drainCompleted() {
	pending := a.completed
	a.completed = nil
	for _, pid := range pending {
		entry, ok := a.processes[pid]
		if !ok {
			continue
		}
		delete(a.processes, pid)
		if a.resize != nil {
			a.resize.Remove(pid)
		}
		rc := entry.proc.Cleanup()
		a.out.Terminate(pid, rc)
	}
}

func (a *Agent) handleRequest(args []string) (quit bool) {
	if len(args) == 0 {
		return false
	}
	verb, rest := args[0], args[1:]
	id := proto.NewIdentifier()

	switch verb {
	case "login":
		return a.handleLogin(id, rest)
	case "run":
		return a.handleRun(id, rest)
	case "send":
		return a.handleSend(id, rest)
	case "kill":
		return a.handleKill(id, rest)
	case "register":
		return a.handleRegister(id, rest)
	case "deregister":
		return a.handleDeregister(id, rest)
	case "poll":
		return a.handlePoll(id, rest)
	case "autopoll":
		return a.handleAutopoll(id, rest)
	case "reset":
		return a.handleReset(id, rest)
	case "quit":
		return a.handleQuit(id, rest)
	default:
		a.fail("unrecognized command")
		return false
	}
}

func (a *Agent) handleLogin(id int64, args []string) bool {
	if len(args) < 1 {
		a.fail("not enough arguments")
		return false
	}
	cwd := expandCwd(args[0])
	shellArgs := args[1:]

	shell := loginshell.Guess()
	argv0 := loginshell.Argv0(shell)

	proc, err := ptyproc.RunTTY(shell, append([]string{argv0}, shellArgs...), cwd, os.Environ(), a.initialWinsize())
	if err != nil {
		a.log.Printf("handle_login: %v", err)
		a.out.Begin(id)
		a.out.End(id, 1)
		return false
	}
	a.spawned(id, proc, -1)
	a.out.Begin(id)
	a.out.PID(proc.PID())
	a.out.End(id, 0)
	return false
}

func (a *Agent) handleRun(id int64, args []string) bool {
	if len(args) < 1 {
		a.fail("not enough arguments")
		return false
	}
	proc, err := ptyproc.RunShellTTY(args[0], a.initialWinsize())
	if err != nil {
		a.log.Printf("handle_run: %v", err)
		a.out.Begin(id)
		a.out.End(id, 1)
		return false
	}
	a.spawned(id, proc, pumpChannel)
	a.out.Begin(id)
	a.out.PID(proc.PID())
	a.out.End(id, 0)
	return false
}

// spawned registers proc under id, wires it into the resize propagator, and
// starts its read pump. reportedChannel is the channel value surfaced to
// the client (-1 for login, 1 for run); internally the pump always uses
// pumpChannel.
func (a *Agent) spawned(id int64, proc *ptyproc.Process, reportedChannel int) {
	a.processes[proc.PID()] = &procEntry{proc: proc, identifier: id, reportedChannel: reportedChannel}
	if a.resize != nil {
		a.resize.Add(proc.PID(), proc)
	}
	go proc.Pump(pumpChannel, a.events)
}

func (a *Agent) handleSend(id int64, args []string) bool {
	if len(args) < 2 {
		a.fail("not enough arguments")
		return false
	}
	pid, err1 := strconv.Atoi(args[0])
	decoded, err2 := base64.StdEncoding.DecodeString(args[1])
	if err1 != nil || err2 != nil {
		a.fail("exception decoding argument")
		return false
	}

	entry, ok := a.processes[pid]
	if !ok {
		a.out.Begin(id)
		a.out.End(id, 1)
		return false
	}
	_ = entry.proc.Write(decoded)
	a.out.Begin(id)
	a.out.End(id, 0)
	return false
}

func (a *Agent) handleKill(id int64, args []string) bool {
	if len(args) < 1 {
		a.fail("pid not an int")
		return false
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		a.fail("pid not an int")
		return false
	}

	entry, ok := a.processes[pid]
	if !ok {
		a.out.Begin(id)
		a.out.End(id, 1)
		return false
	}
	_ = entry.proc.Signal(syscall.SIGTERM)
	a.out.Begin(id)
	a.out.End(id, 0)
	return false
}

func (a *Agent) handleRegister(id int64, args []string) bool {
	if len(args) < 1 {
		a.fail("not enough arguments")
		return false
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		a.fail("exception decoding argument")
		return false
	}
	a.out.Begin(id)
	a.out.End(id, 0)
	a.monitor.Register(pid)
	return false
}

func (a *Agent) handleDeregister(id int64, args []string) bool {
	if len(args) < 1 {
		a.fail("not enough arguments")
		return false
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		a.fail("exception decoding argument")
		return false
	}
	a.out.Begin(id)
	a.out.End(id, 0)
	a.monitor.Deregister(pid)
	return false
}

func (a *Agent) handlePoll(id int64, _ []string) bool {
	diff, ok := a.monitor.Poll()
	a.out.Begin(id)
	if !ok {
		a.out.End(id, 1)
		return false
	}
	for _, line := range diff {
		a.out.Line(line)
	}
	a.out.End(id, 0)
	return false
}

func (a *Agent) handleAutopoll(id int64, _ []string) bool {
	a.out.Begin(id)
	a.out.End(id, 0)

	if a.autopollArmed {
		return false
	}
	a.autopollArmed = true

	if a.autopollTicker != nil {
		return false
	}
	a.autopollTicker = time.NewTicker(a.pollInterval)
	return false
}

func (a *Agent) onAutopollTick() {
	if !a.autopollArmed {
		return
	}
	diff, ok := a.monitor.Poll()
	if !ok || len(diff) == 0 {
		return
	}
	id := proto.NewIdentifier()
	a.out.Autopoll(id, diff)
	a.autopollArmed = false
}

func (a *Agent) handleReset(id int64, _ []string) bool {
	a.monitor.Reset()
	a.autopollArmed = false
	a.out.Begin(id)
	a.out.End(id, 0)
	return false
}

func (a *Agent) handleQuit(id int64, _ []string) bool {
	a.out.Begin(id)
	a.out.End(id, 0)
	if a.autopollTicker != nil {
		a.autopollTicker.Stop()
		a.autopollTicker = nil
	}
	a.autopollArmed = false
	return true
}

func (a *Agent) initialWinsize() *pty.Winsize {
	cols, rows, err := winsize.Size(a.stdinFd)
	if err != nil {
		return nil
	}
	return &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}
}

// fail emits the fatal abort line and terminates the process. It mirrors
// the reference implementation's fail(): a protocol or argument error is
// unrecoverable mid-request, so there is no begin/end envelope, just one
// abort line and a non-zero exit.
func (a *Agent) fail(reason string) {
	a.log.Printf("fail: %s", reason)
	a.out.Abort(reason)
	a.exit(1)
}

func expandCwd(raw string) string {
	expanded := raw
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = home + strings.TrimPrefix(expanded, "~")
		}
	}
	return os.ExpandEnv(expanded)
}
