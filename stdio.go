package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StdIO implements a ClientTransport over an io.Reader/io.Writer pair using newline-delimited
// JSON-RPC messages. Every StartSession produces a new session over the same pair, so the
// pair must stay open for as long as the transport is in use.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	// The reader is shared by successive sessions, so only one reader goroutine may ever exist.
	readerOnce sync.Once
	lines      chan lineWithErr
}

// StdIOOption configures a StdIO.
type StdIOOption func(*StdIO)

// CommandTransport is a ClientTransport that launches an MCP server process for every session
// and talks to it over the process's stdin and stdout. Stopping the session terminates the
// process.
type CommandTransport struct {
	command string
	args    []string
	env     []string
	dir     string
	logger  *slog.Logger

	stopGrace time.Duration
}

// CommandOption configures a CommandTransport.
type CommandOption func(*CommandTransport)

type stdIOSession struct {
	id     string
	lines  <-chan lineWithErr
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	done          chan struct{}
	readClosed    chan struct{}
	writeClosed   chan struct{}
	stopOnce      sync.Once

	onStop func()
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

type lineWithErr struct {
	line string
	err  error
}

var (
	errSessionStopped = errors.New("session stopped")

	defaultCommandStopGrace = 2 * time.Second
)

// WithStdIOLogger sets the logger of the transport and its sessions.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// NewStdIO creates a new StdIO transport configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader: reader,
		writer: writer,
		logger: slog.Default(),
		lines:  make(chan lineWithErr),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// StartSession implements the ClientTransport interface.
func (s *StdIO) StartSession(_ context.Context) (Session, error) {
	s.readerOnce.Do(func() {
		go readLines(s.reader, s.lines, nil)
	})

	sess := newStdIOSession(s.lines, s.writer, s.logger, nil)
	return sess, nil
}

// WithCommandEnv appends environment variables, in KEY=VALUE form, to the inherited environment.
func WithCommandEnv(env ...string) CommandOption {
	return func(t *CommandTransport) {
		t.env = append(t.env, env...)
	}
}

// WithCommandDir sets the working directory of the server process.
func WithCommandDir(dir string) CommandOption {
	return func(t *CommandTransport) {
		t.dir = dir
	}
}

// WithCommandStopGrace sets how long a stopped server process may take to exit after its stdin
// is closed before it is killed.
func WithCommandStopGrace(d time.Duration) CommandOption {
	return func(t *CommandTransport) {
		t.stopGrace = d
	}
}

// WithCommandLogger sets the logger of the transport and its sessions.
func WithCommandLogger(logger *slog.Logger) CommandOption {
	return func(t *CommandTransport) {
		t.logger = logger
	}
}

// NewCommandTransport creates a transport that runs command with args for every session.
func NewCommandTransport(command string, args []string, options ...CommandOption) *CommandTransport {
	t := &CommandTransport{
		command: command,
		args:    args,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}

	if t.stopGrace == 0 {
		t.stopGrace = defaultCommandStopGrace
	}

	return t
}

// StartSession implements the ClientTransport interface by starting the server process.
func (t *CommandTransport) StartSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Dir = t.dir
	if len(t.env) > 0 {
		cmd.Env = append(os.Environ(), t.env...)
	}
	cmd.Stderr = &logWriter{logger: t.logger.With("command", t.command)}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", t.command, err)
	}

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		if err := cmd.Wait(); err != nil {
			t.logger.Debug("server process exited", "command", t.command, "err", err)
		}
	}()

	stopped := make(chan struct{})
	lines := make(chan lineWithErr)
	go readLines(stdout, lines, stopped)

	stop := func() {
		close(stopped)
		_ = stdin.Close()
		select {
		case <-exited:
			return
		case <-time.After(t.stopGrace):
		}
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.logger.Error("failed to kill server process", "command", t.command, "err", err)
		}
		<-exited
	}

	return newStdIOSession(lines, stdin, t.logger, stop), nil
}

// String returns the command line, for logs.
func (t *CommandTransport) String() string {
	return strings.Join(append([]string{t.command}, t.args...), " ")
}

func newStdIOSession(lines <-chan lineWithErr, writer io.Writer, logger *slog.Logger, onStop func()) *stdIOSession {
	s := &stdIOSession{
		id:            uuid.New().String(),
		lines:         lines,
		writer:        writer,
		logger:        logger,
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
		readClosed:    make(chan struct{}),
		writeClosed:   make(chan struct{}),
		onStop:        onStop,
	}
	go s.processWriteMessages()
	return s
}

// readLines feeds lines until the reader fails. The line channel is closed on EOF or error.
// Once done is closed, lines nobody receives are dropped.
func readLines(r io.Reader, lines chan<- lineWithErr, done <-chan struct{}) {
	defer close(lines)

	send := func(lwe lineWithErr) bool {
		select {
		case lines <- lwe:
			return true
		case <-done:
			return false
		}
	}

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if line != "" && errors.Is(err, io.EOF) && !send(lineWithErr{line: line}) {
				return
			}
			send(lineWithErr{err: err})
			return
		}
		if !send(lineWithErr{line: strings.TrimSuffix(line, "\n")}) {
			return
		}
	}
}

func (s *stdIOSession) ID() string {
	return s.id
}

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so that writes never interleave.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionStopped
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", "err", err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionStopped
	}
}

func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.readClosed)

		for {
			var lwe lineWithErr
			var ok bool
			select {
			case <-s.done:
				return
			case lwe, ok = <-s.lines:
			}
			if !ok {
				return
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) && !errors.Is(lwe.err, io.ErrClosedPipe) {
					s.logger.Error("failed to read message", "err", lwe.err)
				}
				return
			}

			line := strings.TrimSpace(lwe.line)
			if line == "" {
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.onStop != nil {
			s.onStop()
		}
	})
}

func (s *stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}

type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.Info("server stderr", "line", line)
		}
	}
	return len(p), nil
}
