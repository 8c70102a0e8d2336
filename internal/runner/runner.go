// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package runner owns a single claude CLI process backing one
// conversational turn. A Runner is created fresh for every send and
// dropped when the process exits; it is never reused.
package runner

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/wingedpig/canopy/internal/stream"
)

// graceTimeout is how long Cancel waits for a graceful exit before the
// scheduled force kill fires.
const graceTimeout = 3 * time.Second

// ErrNotRunning is returned when writing to a process that has exited.
var ErrNotRunning = errors.New("process not running")

// ErrAlreadyRunning is returned when starting a Runner twice.
var ErrAlreadyRunning = errors.New("process already running")

// Callbacks receive decoded output from the process. All callbacks are
// optional and are invoked from the Runner's reader goroutine, in the
// exact order the source lines were assembled.
type Callbacks struct {
	OnEvent             func(event stream.Event)
	OnRawText           func(line string)
	OnAssistantText     func(text string)
	OnToolUse           func(name string, input map[string]interface{})
	OnToolResult        func(name, result string)
	OnPermissionRequest func(requestID, name string, input map[string]interface{})
	OnError             func(message string)
	OnFinished          func(exitCode int)
}

// Options configure one process invocation.
type Options struct {
	OutputFormat string // defaults to stream-json
	Resume       string // continuation token for --resume
	AllowedTools []string
	Model        string
}

// Runner drives one claude CLI process. Per invocation the state machine
// is NotStarted -> Running -> Finished; a new turn needs a new Runner.
type Runner struct {
	command string
	cb      Callbacks

	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	running      bool
	outputFormat string
	assembler    *stream.LineAssembler
	output       strings.Builder // full stdout, fallback for non-streaming formats
	stderr       strings.Builder // buffered, flushed only at exit
	events       []stream.Event
	sessionID    string
	killTimer    *time.Timer
	done         chan struct{}
}

// New creates a runner that will invoke the given claude command.
func New(command string, cb Callbacks) *Runner {
	return &Runner{
		command:   command,
		cb:        cb,
		assembler: stream.NewLineAssembler(),
		done:      make(chan struct{}),
	}
}

// Start launches the process for one turn. The prompt is passed as the
// final positional argument; stdin is half-closed immediately after start
// since all interaction is argument- and event-driven.
func (r *Runner) Start(prompt, workDir string, opts Options) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}

	format := opts.OutputFormat
	if format == "" {
		format = "stream-json"
	}
	r.outputFormat = format
	r.assembler.Reset()
	r.output.Reset()
	r.stderr.Reset()
	r.events = nil
	r.mu.Unlock()

	args := []string{
		"--output-format", format,
		"--permission-mode", "default",
		"--print",
	}
	// stream-json with --print requires --verbose
	if format == "stream-json" {
		args = append(args, "--verbose")
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, prompt)

	cmd := exec.Command(r.command, args...)
	cmd.Dir = workDir
	// New process group so the force kill reaches child processes too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	log.Printf("runner: starting %s %s (workdir: %s)", r.command, strings.Join(args, " "), workDir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s (is the claude CLI installed?): %w", r.command, err)
	}

	r.mu.Lock()
	r.cmd = cmd
	r.stdin = stdinPipe
	r.running = true
	r.mu.Unlock()

	// Half-close stdin: the CLI must not wait for input. Permission
	// handling goes through the allowlist-retry protocol, not stdin.
	stdinPipe.Close()

	var readers sync.WaitGroup
	readers.Add(2)

	go func() {
		defer readers.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := stdoutPipe.Read(buf)
			if n > 0 {
				r.consumeStdout(string(buf[:n]))
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer readers.Done()
		data, _ := io.ReadAll(stderrPipe)
		r.mu.Lock()
		r.stderr.Write(data)
		r.mu.Unlock()
	}()

	go func() {
		readers.Wait()
		err := cmd.Wait()
		r.finish(exitCode(err))
	}()

	return nil
}

// consumeStdout buffers a chunk and dispatches every complete line.
func (r *Runner) consumeStdout(chunk string) {
	r.mu.Lock()
	r.output.WriteString(chunk)
	lines := r.assembler.Feed(chunk)
	r.mu.Unlock()

	for _, line := range lines {
		r.handleLine(line)
	}
}

// handleLine decodes one complete line and fans it out. Non-JSON lines go
// to the raw-text callback verbatim; they are never dropped.
func (r *Runner) handleLine(line string) {
	if line == "" {
		return
	}

	event, ok := stream.Decode([]byte(line))
	if !ok {
		if r.cb.OnRawText != nil {
			r.cb.OnRawText(line)
		}
		return
	}

	r.mu.Lock()
	r.events = append(r.events, event)
	if event.SessionID != "" {
		r.sessionID = event.SessionID
	}
	r.mu.Unlock()

	if r.cb.OnEvent != nil {
		r.cb.OnEvent(event)
	}

	switch event.Type {
	case stream.EventAssistant:
		if event.Content != "" && r.cb.OnAssistantText != nil {
			r.cb.OnAssistantText(event.Content)
		}
	case stream.EventToolUse:
		if event.ToolName != "" && r.cb.OnToolUse != nil {
			r.cb.OnToolUse(event.ToolName, event.ToolInput)
		}
	case stream.EventToolResult:
		if event.ToolName != "" && r.cb.OnToolResult != nil {
			r.cb.OnToolResult(event.ToolName, event.ToolResult)
		}
	case stream.EventPermissionRequest:
		if event.ToolName != "" && r.cb.OnPermissionRequest != nil {
			r.cb.OnPermissionRequest(event.RequestID, event.ToolName, event.ToolInput)
		}
	}
}

// finish runs once the process has exited and both pipes are drained.
func (r *Runner) finish(code int) {
	r.mu.Lock()
	rest := r.assembler.Rest()
	r.assembler.Reset()
	format := r.outputFormat
	stderrText := strings.TrimSpace(r.stderr.String())
	r.running = false
	r.cmd = nil
	r.stdin = nil
	if r.killTimer != nil {
		r.killTimer.Stop()
		r.killTimer = nil
	}
	r.mu.Unlock()

	// A trailing line without a terminator still gets one decode attempt.
	if rest != "" {
		r.handleLine(rest)
	}

	// For stream-json every line already became an event during streaming;
	// reparsing the full buffer would duplicate them.
	if format != "stream-json" {
		r.parseFinalOutput()
	}

	if code != 0 && stderrText != "" {
		log.Printf("runner: process failed (exit %d): %s", code, stderrText)
		if r.cb.OnError != nil {
			r.cb.OnError(stderrText)
		}
	}

	if r.cb.OnFinished != nil {
		r.cb.OnFinished(code)
	}
	close(r.done)
}

// parseFinalOutput handles non-streaming formats where the answer arrives
// as one JSON document. It is skipped when per-line decoding already
// produced events.
func (r *Runner) parseFinalOutput() {
	r.mu.Lock()
	content := strings.TrimSpace(r.output.String())
	already := len(r.events)
	r.mu.Unlock()

	if content == "" || already > 0 {
		return
	}

	if event, ok := stream.Decode([]byte(content)); ok {
		r.mu.Lock()
		r.events = append(r.events, event)
		if event.SessionID != "" {
			r.sessionID = event.SessionID
		}
		r.mu.Unlock()
		if r.cb.OnEvent != nil {
			r.cb.OnEvent(event)
		}
		return
	}

	// Fall back to the last parsable JSONL line.
	lines := strings.Split(content, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if _, ok := stream.Decode([]byte(line)); ok {
			r.handleLine(line)
			return
		}
	}
}

// Cancel requests graceful termination and schedules a force kill after
// the grace window. It never blocks the caller; canceling a process that
// already exited is a no-op.
func (r *Runner) Cancel() {
	r.mu.Lock()
	if !r.running || r.cmd == nil || r.cmd.Process == nil {
		r.mu.Unlock()
		return
	}
	pgid := r.cmd.Process.Pid
	if r.killTimer == nil {
		r.killTimer = time.AfterFunc(graceTimeout, func() {
			if r.IsRunning() {
				syscall.Kill(-pgid, syscall.SIGKILL)
			}
		})
	}
	r.mu.Unlock()

	syscall.Kill(-pgid, syscall.SIGTERM)
}

// WriteInput writes raw bytes to the process stdin. Only valid while
// running; the primary flow half-closes stdin at start, so this is a
// legacy affordance for the interactive y/n permission mode.
func (r *Runner) WriteInput(data []byte) error {
	r.mu.Lock()
	stdin := r.stdin
	running := r.running
	r.mu.Unlock()

	if !running || stdin == nil {
		return ErrNotRunning
	}
	_, err := stdin.Write(data)
	return err
}

// RespondPermission answers an interactive permission prompt over stdin.
func (r *Runner) RespondPermission(accept bool) error {
	if accept {
		return r.WriteInput([]byte("y\n"))
	}
	return r.WriteInput([]byte("n\n"))
}

// IsRunning reports whether the process is still alive.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// SessionID returns the most recent session token seen on any event.
func (r *Runner) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Events returns a copy of the events collected during this invocation.
func (r *Runner) Events() []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]stream.Event, len(r.events))
	copy(events, r.events)
	return events
}

// Done is closed after the finished callback has run.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// exitCode normalizes cmd.Wait errors to an exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
