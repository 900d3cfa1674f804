// Package stdio implements a MCP transport over the standard streams of a
// child process: one JSON-RPC message per line on stdin and stdout.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolhost/mcp/transport", "stdio")

const (
	// DefaultGracePeriod is how long Close waits after SIGTERM before killing the process group.
	DefaultGracePeriod = 2 * time.Second
	// DefaultMaxLineSize bounds a single frame read from stdout.
	DefaultMaxLineSize = 16 * 1024 * 1024

	stderrTailSize = 8 * 1024
)

// Options describes the child process to launch.
type Options struct {
	Command string
	Args    []string
	Dir     string
	// Env overrides are merged over the parent environment.
	Env         map[string]string
	GracePeriod time.Duration
	MaxLineSize int
}

// Transport speaks JSON-RPC over the stdio pipes of a subprocess.
type Transport struct {
	opts Options

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer

	// writeTurn holds one token while a frame is written
	writeTurn chan struct{}
	mu        sync.RWMutex

	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()

	started   atomic.Bool
	ready     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	readDone  chan struct{}
	exited    chan struct{}
	exitErr   error
}

// New returns a transport for the given process. The process is launched by Start.
func New(opts Options) *Transport {
	if opts.GracePeriod == 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.MaxLineSize == 0 {
		opts.MaxLineSize = DefaultMaxLineSize
	}
	return &Transport{
		opts:      opts,
		stderr:    &tailBuffer{max: stderrTailSize},
		writeTurn: make(chan struct{}, 1),
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
		exited:    make(chan struct{}),
	}
}

// Start launches the process in its own process group and starts reading its stdout.
// The process lifetime is bound to Close, not to ctx.
func (t *Transport) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("transport already started")
	}

	cmd := exec.Command(t.opts.Command, t.opts.Args...)
	cmd.Dir = t.opts.Dir
	cmd.Env = mergeEnv(os.Environ(), t.opts.Env)
	cmd.Stderr = t.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = t.opts.GracePeriod

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to create stdout pipe")
	}
	if err = cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start %q", t.opts.Command)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.ready.Store(true)

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "started",
		"command", t.opts.Command,
		"pid", cmd.Process.Pid,
	)

	go t.readLoop()
	go t.wait()
	return nil
}

// Send writes one message followed by a newline. Writers take turns, so
// frames never interleave. When ctx is done first Send returns its error: a
// write not yet started is dropped, and a blocked write finishes in the
// background and keeps its turn until then.
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}
	data = append(data, '\n')

	select {
	case t.writeTurn <- struct{}{}:
	case <-t.done:
		return errors.Wrap(transport.ErrBrokenPipe, "transport is closed")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "write is blocked by a previous message")
	}

	if !t.ready.Load() || t.closed.Load() {
		<-t.writeTurn
		return errors.Wrap(transport.ErrBrokenPipe, "transport is closed")
	}

	written := make(chan error, 1)
	go func() {
		_, werr := t.stdin.Write(data)
		<-t.writeTurn
		written <- werr
	}()

	select {
	case werr := <-written:
		if werr != nil {
			return errors.Wrapf(transport.ErrBrokenPipe, "write failed: %s", werr.Error())
		}
		return nil
	case <-ctx.Done():
		logger.KV(xlog.WARNING,
			"status", "write_blocked",
			"command", t.opts.Command,
			"size", len(data),
		)
		return errors.Wrap(ctx.Err(), "the server is not reading its input")
	}
}

// Close closes stdin, asks the process group to terminate and kills it after the grace period.
func (t *Transport) Close() error {
	t.shutdown()
	if !t.ready.Load() {
		return nil
	}
	select {
	case <-t.exited:
	case <-time.After(t.opts.GracePeriod + time.Second):
		logger.KV(xlog.WARNING,
			"status", "process_not_reaped",
			"command", t.opts.Command,
		)
	}
	return nil
}

// Stderr returns the tail of the process' standard error.
func (t *Transport) Stderr() string {
	return t.stderr.String()
}

// Pid returns the process id, or 0 if the process is not running.
func (t *Transport) Pid() int {
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// ExitErr returns the process exit status once it has been reaped.
func (t *Transport) ExitErr() error {
	select {
	case <-t.exited:
		return t.exitErr
	default:
		return nil
	}
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *Transport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *Transport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

func (t *Transport) readLoop() {
	defer close(t.readDone)
	defer t.shutdown()

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), t.opts.MaxLineSize)

	ctx := context.Background()
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := transport.ParseMessage(line)
		if err != nil {
			logger.KV(xlog.ERROR,
				"command", t.opts.Command,
				"line", truncate(line, 256),
				"err", err.Error(),
			)
			t.reportError(err)
			return
		}

		t.mu.RLock()
		handler := t.messageHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(ctx, msg)
		}
	}

	if err := scanner.Err(); err != nil && !t.closed.Load() {
		if errors.Is(err, bufio.ErrTooLong) {
			t.reportError(errors.Wrap(transport.ErrProtocol, "frame exceeds maximum line size"))
			return
		}
		t.reportError(errors.Wrapf(transport.ErrBrokenPipe, "read failed: %s", err.Error()))
		return
	}

	if !t.closed.Load() {
		logger.KV(xlog.WARNING,
			"status", "eof",
			"command", t.opts.Command,
			"stderr", t.stderr.String(),
		)
	}
}

// wait reaps the process once stdout has been drained, as required by exec.Cmd.
func (t *Transport) wait() {
	<-t.readDone
	t.exitErr = t.cmd.Wait()
	close(t.exited)
}

func (t *Transport) shutdown() {
	t.closeOnce.Do(func() {
		// a concurrent blocked Write fails once stdin is closed
		t.closed.Store(true)
		close(t.done)
		if t.stdin != nil {
			_ = t.stdin.Close()
		}

		if t.cmd != nil && t.cmd.Process != nil {
			pgid := t.cmd.Process.Pid
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
			go func() {
				select {
				case <-t.exited:
				case <-time.After(t.opts.GracePeriod):
					logger.KV(xlog.DEBUG, "status", "killing", "pgid", pgid)
					_ = syscall.Kill(-pgid, syscall.SIGKILL)
				}
			}()
		}

		t.mu.RLock()
		handler := t.closeHandler
		t.mu.RUnlock()
		if handler != nil {
			handler()
		}
	})
}

func (t *Transport) reportError(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
