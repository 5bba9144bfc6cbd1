// ptyagent is a terminal multiplexer agent: a long-running process that
// reads commands as line-based requests on its own stdin and spawns login
// shells and ad-hoc commands under PTYs, streaming their output back framed
// and base64-encoded on stdout, forwarding input, and monitoring a
// registered subtree of the host process table.
//
// Usage:
//
//	ptyagent [-log <file>] [-poll-interval <dur>] [-ps-path <path>] [-config <file>]
//
// ptyagent speaks its own line protocol on stdin/stdout; it is normally
// spawned by a client that owns the other end of the pipe, not run
// interactively by hand.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/ianremillard/ptyagent/internal/agent"
	"github.com/ianremillard/ptyagent/internal/agentconfig"
	"github.com/ianremillard/ptyagent/internal/procmon"
	"github.com/ianremillard/ptyagent/internal/proto"
	"github.com/ianremillard/ptyagent/internal/winsize"
)

func main() {
	logPath := flag.String("log", "", "debug log file (env: PTYAGENT_LOG); empty disables logging")
	pollInterval := flag.Duration("poll-interval", time.Second, "autopoll tick interval")
	psPath := flag.String("ps-path", "ps", "path to the ps executable used by the process monitor")
	configPath := flag.String("config", "", "optional YAML config file; flags override its values")
	flag.Parse()

	if env := os.Getenv("PTYAGENT_LOG"); env != "" && *logPath == "" {
		*logPath = env
	}

	fileCfg, err := agentconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptyagent: %v\n", err)
		os.Exit(1)
	}

	// Only flags the user actually passed on the command line should shadow
	// the config file; flag.Duration/String always report *some* value
	// (their default if unset), so explicitlySet tracks which ones were
	// really given.
	explicitlySet := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicitlySet[f.Name] = true })

	override := agentconfig.Config{}
	if explicitlySet["log"] || *logPath != "" {
		override.LogPath = *logPath
	}
	if explicitlySet["poll-interval"] {
		override.PollInterval = *pollInterval
	}
	if explicitlySet["ps-path"] {
		override.PSPath = *psPath
	}
	cfg := agentconfig.Merge(*fileCfg, override)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = *pollInterval
	}
	if cfg.PSPath == "" {
		cfg.PSPath = *psPath
	}

	logger := newLogger(cfg.LogPath)

	stdinFd := int(os.Stdin.Fd())
	out := proto.NewWriter(os.Stdout)
	monitor := procmon.New(cfg.PSPath)

	var resize *winsize.Propagator
	if term.IsTerminal(stdinFd) {
		resize = winsize.NewPropagator(stdinFd)
		resize.Start()
		defer resize.Stop()
	}

	a := agent.New(out, monitor, resize, logger, stdinFd, cfg.PollInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Printf("received termination signal, exiting")
		os.Exit(0)
	}()

	reqs := make(chan agent.Request, 1)
	go readRequests(os.Stdin, reqs, logger)

	os.Exit(a.Run(reqs))
}

// readRequests parses framed requests off r and feeds them to out until the
// stream ends or a request is truncated mid-read; it then closes out, after
// first sending one final Request carrying the error for a mid-request
// failure.
func readRequests(r *os.File, out chan<- agent.Request, logger *log.Logger) {
	rr := proto.NewRequestReader(r)
	for {
		args, err := rr.ReadRequest()
		if err != nil {
			logger.Printf("read_request: %v", err)
			if isCleanEOF(err) {
				close(out)
				return
			}
			out <- agent.Request{Err: err}
			close(out)
			return
		}
		out <- agent.Request{Args: args}
	}
}

// isCleanEOF reports whether err represents the client simply closing its
// end of the pipe between requests, as opposed to a truncated in-flight
// request. ReadRequest returns io.EOF itself, unwrapped, for the clean case,
// and wraps it (or any other read error) with additional context when a
// request was left incomplete, so identity distinguishes the two, not the
// error's message text.
func isCleanEOF(err error) bool {
	return err == io.EOF
}

func newLogger(path string) *log.Logger {
	if path == "" {
		return log.New(discard{}, "", 0)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return log.New(discard{}, "", 0)
	}
	return log.New(f, fmt.Sprintf("ptyagent[%d] ", os.Getpid()), log.LstdFlags)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
