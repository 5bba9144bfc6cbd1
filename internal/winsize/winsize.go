// Package winsize reads the controlling terminal's size and propagates
// SIGWINCH to a set of live PTYs, mirroring the resize-forwarding pattern
// used by the attach client's SIGWINCH handler (term.GetSize followed by a
// resize write), generalized from one remote connection to every PTY the
// agent currently owns.
package winsize

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/term"
)

// Resizable is anything that can receive a new terminal size, satisfied by
// ptyproc.Process.
type Resizable interface {
	SetWinsize(rows, cols uint16) error
}

// Size reads the current size of the terminal attached to fd.
func Size(fd int) (cols, rows int, err error) {
	return term.GetSize(fd)
}

// IsTerminal reports whether fd refers to a terminal.
func IsTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

// Propagator listens for SIGWINCH on the agent's own controlling terminal
// and applies the new size to every currently-registered target.
type Propagator struct {
	fd int

	mu      sync.Mutex
	targets map[int]Resizable

	sigCh chan os.Signal
	stop  chan struct{}
}

// NewPropagator creates a Propagator bound to fd, the agent's own stdin (or
// any fd referring to its controlling terminal).
func NewPropagator(fd int) *Propagator {
	return &Propagator{
		fd:      fd,
		targets: make(map[int]Resizable),
		sigCh:   make(chan os.Signal, 1),
		stop:    make(chan struct{}),
	}
}

// Add registers a target (keyed by pid, for easy Remove) to receive future
// resizes. It does not apply the current size; call Apply for that.
func (p *Propagator) Add(pid int, target Resizable) {
	p.mu.Lock()
	p.targets[pid] = target
	p.mu.Unlock()
}

// Remove drops a target so it no longer receives resizes.
func (p *Propagator) Remove(pid int) {
	p.mu.Lock()
	delete(p.targets, pid)
	p.mu.Unlock()
}

// Apply reads the current terminal size and pushes it to every registered
// target, swallowing individual SetWinsize errors (a target that's mid-exit
// shouldn't block the others).
func (p *Propagator) Apply() {
	cols, rows, err := Size(p.fd)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.targets {
		_ = t.SetWinsize(uint16(rows), uint16(cols))
	}
}

// Start begins listening for SIGWINCH in a background goroutine, applying
// the new size to all registered targets on each delivery. It returns
// immediately; call Stop to unwind. Start is a no-op if the propagator's fd
// is not a terminal, matching the reference implementation's guard against
// installing a handler when running non-interactively.
func (p *Propagator) Start() {
	if !IsTerminal(p.fd) {
		return
	}
	signal.Notify(p.sigCh, syscall.SIGWINCH)
	go func() {
		for {
			select {
			case <-p.sigCh:
				p.Apply()
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop unwinds the SIGWINCH handler installed by Start.
func (p *Propagator) Stop() {
	signal.Stop(p.sigCh)
	close(p.stop)
}
