// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package remote drives a nested script running in a child process.
//
// The child serves commands read from its stdin and prints the Sentinel line
// after starting up and after completing each command. Its merged stdout and
// stderr are forwarded to the parent's output by a background reader, which
// also captures exceptions reported by the child and relays them to the
// command that caused them.
//
// Commands are correlated to sentinels in FIFO order. Callers must not
// dispatch a command expecting an answer to an earlier one before that answer
// has arrived.
package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/sys/unix"

	"github.com/rspy/rstest/errors"
	"github.com/rspy/rstest/internal/env"
	"github.com/rspy/rstest/internal/logging"
	"github.com/rspy/rstest/shutil"
)

const (
	// DefaultReadyTimeout is a reasonable timeout for WaitUntilReady.
	DefaultReadyTimeout = 30 * time.Second
	// DefaultCommandTimeout is a reasonable timeout for Run.
	DefaultCommandTimeout = 5 * time.Second
	// DefaultWaitTimeout is a reasonable timeout for Wait.
	DefaultWaitTimeout = 30 * time.Second

	// terminateGrace is how long a signaled process is given to exit.
	terminateGrace = 200 * time.Millisecond
	// exitGrace is how long a process is given to exit after closing its
	// output.
	exitGrace = 2 * time.Second

	exitCommand = "exit()"
)

// State is the lifecycle state of a Remote.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateReady
	StateRunningCommand
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateRunningCommand:
		return "running command"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Remote controls a nested script running in a child process.
//
// A Remote is not reusable once stopped.
type Remote struct {
	name         string
	tag          string
	interactive  bool
	dir          string
	interpreters map[string][]string
	args         []string
	parent       *env.Env
	extraEnv     []string
	out          io.Writer
	clock        clock.Clock
	aborter      func(err error)
	onFinish     func(status int)

	queue   readyQueue
	outMu   sync.Mutex
	stdinMu sync.Mutex

	mu            sync.Mutex
	phase         State // one of Created, Starting, Ready, Stopping, Stopped
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	startup       *entry
	startupSeen   bool
	status        int
	exitedOK      bool
	readerDone    chan struct{}
	exited        chan struct{}
	terminateOnce sync.Once
}

// Option configures a Remote.
type Option func(r *Remote)

// WithName sets the name of the remote used in logs and errors.
func WithName(name string) Option {
	return func(r *Remote) { r.name = name }
}

// WithTag sets the nested tag of the remote.
func WithTag(tag string) Option {
	return func(r *Remote) { r.tag = tag }
}

// WithInteractive sets whether the remote serves commands. Remotes are
// interactive by default.
func WithInteractive(interactive bool) Option {
	return func(r *Remote) { r.interactive = interactive }
}

// WithDir sets the working directory of the remote.
func WithDir(dir string) Option {
	return func(r *Remote) { r.dir = dir }
}

// WithInterpreters sets the interpreters by script extension, replacing
// DefaultInterpreters.
func WithInterpreters(interpreters map[string][]string) Option {
	return func(r *Remote) { r.interpreters = interpreters }
}

// WithCommand overrides the command line built from the script path.
func WithCommand(args ...string) Option {
	return func(r *Remote) { r.args = args }
}

// WithParentEnv sets the flags mirrored to the remote. By default the flags
// of the current process are used.
func WithParentEnv(e *env.Env) Option {
	return func(r *Remote) { r.parent = e }
}

// WithEnv adds environment variables in the form of "key=value".
func WithEnv(vars ...string) Option {
	return func(r *Remote) { r.extraEnv = append(r.extraEnv, vars...) }
}

// WithOutput sets where the remote's output is forwarded. It defaults to
// os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(r *Remote) { r.out = w }
}

// WithClock sets the clock used for timeouts.
func WithClock(clk clock.Clock) Option {
	return func(r *Remote) { r.clock = clk }
}

// WithAborter sets the function called to abort the current test case when
// a command fails with the onfail.Abort policy.
func WithAborter(f func(err error)) Option {
	return func(r *Remote) { r.aborter = f }
}

// WithOnFinish sets a function called with the exit status once the remote's
// output is finished. It is called on the reader goroutine.
func WithOnFinish(f func(status int)) Option {
	return func(r *Remote) { r.onFinish = f }
}

// New creates a Remote running script. The process is not started until
// Start is called.
func New(script string, opts ...Option) (*Remote, error) {
	r := &Remote{
		name:        "remote",
		tag:         DefaultTag,
		interactive: true,
		out:         os.Stdout,
		clock:       clock.NewClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.args == nil {
		parent := r.parent
		if parent == nil {
			var err error
			if parent, err = env.Current(); err != nil {
				return nil, err
			}
		}
		args, err := NestedCommand(CommandConfig{
			Script:       script,
			Tag:          r.tag,
			Interactive:  r.interactive,
			Dir:          r.dir,
			Interpreters: r.interpreters,
			Parent:       parent,
		})
		if err != nil {
			return nil, err
		}
		r.args = args
	}
	if len(r.args) == 0 {
		return nil, errors.New("empty command line")
	}
	return r, nil
}

// Name returns the name of the remote.
func (r *Remote) Name() string {
	return r.name
}

// Command returns the command line of the remote.
func (r *Remote) Command() []string {
	return append([]string(nil), r.args...)
}

// State returns the current lifecycle state.
func (r *Remote) State() State {
	r.mu.Lock()
	phase := r.phase
	r.mu.Unlock()
	if phase == StateReady && r.queue.len() > 0 {
		return StateRunningCommand
	}
	return phase
}

// Start spawns the remote process and returns without waiting for it to
// become ready. Use WaitUntilReady for that.
func (r *Remote) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != StateCreated {
		return errors.Errorf("%s: already started", r.name)
	}

	logging.Debugf(ctx, "%s starting: %s", r.name, shutil.EscapeSlice(r.args))

	launchErr := func(err error) error {
		r.phase = StateStopped
		return &LaunchError{Name: r.name, Args: r.args, Err: err}
	}

	cmd := exec.Command(r.args[0], r.args[1:]...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), r.extraEnv...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return launchErr(err)
	}
	// stdout and stderr share one pipe so that lines stay in order. The pipe
	// is owned by the reader, which lets cmd.Wait run concurrently.
	pr, pw, err := os.Pipe()
	if err != nil {
		return launchErr(err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return launchErr(err)
	}
	pw.Close()

	r.cmd = cmd
	r.stdin = stdin
	r.phase = StateStarting
	r.readerDone = make(chan struct{})
	r.exited = make(chan struct{})
	r.startup = r.queue.push(func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.phase == StateStarting {
			r.phase = StateReady
		}
	}, true)

	go r.waitProcess()
	go r.readOutput(ctx, pr)
	return nil
}

func (r *Remote) waitProcess() {
	r.cmd.Wait()
	status := exitStatus(r.cmd.ProcessState)
	r.mu.Lock()
	r.status = status
	r.exitedOK = true
	r.mu.Unlock()
	close(r.exited)
}

// exitStatus returns the exit code of a process, or the negated signal number
// if it was killed by a signal.
func exitStatus(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}

// readOutput runs on its own goroutine until the remote's output is closed.
func (r *Remote) readOutput(ctx context.Context, rc io.ReadCloser) {
	defer close(r.readerDone)
	defer rc.Close()

	m := newLineMachine(r.tag)
	br := bufio.NewReader(rc)
	for {
		line, err := br.ReadString('\n')
		if strings.HasSuffix(line, "\n") {
			r.handleAction(ctx, m.next(strings.TrimRight(line, "\r\n")))
		} else if line != "" {
			r.handleAction(ctx, m.fragment(strings.TrimSuffix(line, "\r")))
		}
		if err != nil {
			if err != io.EOF {
				logging.Debugf(ctx, "%s: reading output failed: %v", r.name, err)
			}
			break
		}
	}
	logging.Debugf(ctx, "%s stdout is finished", r.name)
	r.finish(ctx)
}

func (r *Remote) handleAction(ctx context.Context, a action) {
	if a.print {
		r.outMu.Lock()
		io.WriteString(r.out, a.out+"\n")
		r.outMu.Unlock()
	}
	if !a.resolve {
		return
	}
	var err error
	if a.captured != nil {
		err = &RemoteError{
			Name:      r.name,
			Message:   a.captured[len(a.captured)-1],
			Traceback: a.captured,
		}
		logging.Debugf(ctx, "%s raised an error", r.name)
	} else {
		logging.Debugf(ctx, "%s is ready", r.name)
	}
	if !r.queue.resolve(err) {
		logging.Debugf(ctx, "%s: acknowledgement with no pending command", r.name)
	}
}

// finish is called by the reader after the output is closed. It makes sure
// the process is gone and resolves entries that will never be acknowledged.
func (r *Remote) finish(ctx context.Context) {
	if !r.waitFor(r.exited, exitGrace) {
		logging.Debugf(ctx, "%s closed its output but is still running", r.name)
	}
	r.terminate(ctx)

	status, ok := r.Status()
	if !ok {
		status = -1
	}
	if n := r.queue.drain(&UnexpectedExitError{Name: r.name, Status: status}); n > 0 {
		logging.Debugf(ctx, "%s exited with %d pending command(s)", r.name, n)
	}

	r.mu.Lock()
	r.phase = StateStopped
	r.mu.Unlock()

	if r.onFinish != nil {
		r.onFinish(status)
	}
}

// terminate kills the process if it is still alive and waits a bit for it
// to exit. It is idempotent, and never blocks indefinitely.
func (r *Remote) terminate(ctx context.Context) {
	r.terminateOnce.Do(func() {
		select {
		case <-r.exited:
			status, _ := r.Status()
			logging.Debugf(ctx, "%s exited with status %d", r.name, status)
			return
		default:
		}

		terminateChildren(ctx, r.cmd.Process.Pid)
		logging.Debugf(ctx, "%s: terminating pid %d", r.name, r.cmd.Process.Pid)
		if err := r.cmd.Process.Signal(unix.SIGTERM); err != nil {
			logging.Debugf(ctx, "%s: failed to send SIGTERM: %v", r.name, err)
		}
		if !r.waitFor(r.exited, terminateGrace) {
			logging.Debugf(ctx, "%s: process terminate timed out; killing", r.name)
			r.cmd.Process.Kill()
			if !r.waitFor(r.exited, terminateGrace) {
				logging.Debugf(ctx, "%s: process did not exit after kill", r.name)
				return
			}
		}
		status, _ := r.Status()
		logging.Debugf(ctx, "%s exited with status %d", r.name, status)
	})
}

// waitFor waits for ch to be closed up to timeout. A non-positive timeout
// waits forever.
func (r *Remote) waitFor(ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		<-ch
		return true
	}
	t := r.clock.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C():
		return false
	}
}

// await waits for e to be resolved.
func (r *Remote) await(ctx context.Context, e *entry, timeout time.Duration, op string) error {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := r.clock.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C()
	}
	var err error
	select {
	case <-e.done:
		return nil
	case <-timeoutC:
		err = &TimeoutError{Name: r.name, Op: op, Timeout: timeout}
	case <-ctx.Done():
		err = errors.Wrapf(ctx.Err(), "%s: %s", r.name, op)
	}
	if !r.queue.abandon(e) {
		// Resolved in the meantime.
		<-e.done
		return nil
	}
	return err
}

// WaitUntilReady waits until the remote finishes starting up. A non-positive
// timeout waits forever. An exception raised by the remote during start-up is
// returned as *RemoteError. If an earlier call timed out and the exception has
// already been reported to a later command, it is not returned again.
func (r *Remote) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	r.mu.Lock()
	startup := r.startup
	r.mu.Unlock()
	if startup == nil {
		return ErrNotStarted
	}
	err := r.await(ctx, startup, timeout, "wait until ready")
	r.mu.Lock()
	r.startupSeen = true
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.queue.claim(startup)
}

// Running reports whether the remote process is alive.
func (r *Remote) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exited == nil {
		return false
	}
	select {
	case <-r.exited:
		return false
	default:
		return true
	}
}

// Status returns the exit status of the remote process. ok is false until
// the process has exited. A process killed by a signal has the negated
// signal number as its status.
func (r *Remote) Status() (status int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.exitedOK
}

// Pending returns the number of commands awaiting acknowledgement, including
// the start-up.
func (r *Remote) Pending() int {
	return r.queue.len()
}

// dispatch queues an entry for command and writes it to the remote.
func (r *Remote) dispatch(ctx context.Context, command string, onReady func(err error), waiter bool) (*entry, error) {
	if !r.interactive {
		return nil, ErrNotInteractive
	}
	r.mu.Lock()
	switch r.phase {
	case StateCreated:
		r.mu.Unlock()
		return nil, ErrNotStarted
	case StateStopping, StateStopped:
		r.mu.Unlock()
		return nil, ErrStopped
	}
	// Queue before writing: the acknowledgement may arrive right away.
	e := r.queue.push(onReady, waiter)
	r.mu.Unlock()

	logging.Debugf(ctx, "%s running: %s", r.name, command)
	if err := r.writeLine(command); err != nil {
		// The entry stays queued and is resolved when the output closes.
		r.queue.abandon(e)
		return nil, errors.Wrapf(err, "%s: failed to send command", r.name)
	}
	return e, nil
}

// Send dispatches command and returns without waiting for it to finish.
// onReady, if not nil, is called on the reader goroutine with the outcome of
// the command once it finishes; it must not block on the remote. An
// exception from a command sent without onReady is reported to the next
// caller waiting on a command, or by Wait.
func (r *Remote) Send(ctx context.Context, command string, onReady func(err error)) error {
	_, err := r.dispatch(ctx, command, onReady, false)
	return err
}

// Wait sends an exit command to an interactive remote, waits up to timeout
// for its output to finish, then makes sure the process is gone. It returns
// the exit status. The returned error reports exceptions the remote raised
// that no caller has observed yet.
func (r *Remote) Wait(ctx context.Context, timeout time.Duration) (int, error) {
	r.mu.Lock()
	if r.cmd == nil {
		r.mu.Unlock()
		return -1, ErrNotStarted
	}
	if r.phase != StateStopped {
		r.phase = StateStopping
	}
	readerDone := r.readerDone
	r.mu.Unlock()

	select {
	case <-readerDone:
	default:
		if r.interactive {
			// The remote acknowledges nothing for the exit command.
			r.writeLine(exitCommand)
		}
		r.closeStdin()
		logging.Debugf(ctx, "waiting for %s to finish...", r.name)
		if !r.waitFor(readerDone, timeout) {
			logging.Debugf(ctx, "%s: waiting for output timed out after %v", r.name, timeout)
		}
	}
	r.terminate(ctx)

	r.mu.Lock()
	r.phase = StateStopped
	var errs []error
	if !r.startupSeen && isClosed(r.startup.done) && r.startup.err != nil {
		errs = append(errs, r.startup.err)
		r.startupSeen = true
	}
	status, ok := r.status, r.exitedOK
	r.mu.Unlock()

	errs = append(errs, r.queue.takeDeferred()...)
	for _, err := range errs[min(1, len(errs)):] {
		logging.Errorf(ctx, "%s: %v", r.name, err)
	}
	if !ok {
		status = -1
		errs = append(errs, errors.Errorf("%s: exit status unknown", r.name))
	}
	if len(errs) > 0 {
		return status, errors.Wrapf(errs[0], "%s: unreported error", r.name)
	}
	return status, nil
}

// Stop terminates the remote process without waiting for its output to be
// consumed.
func (r *Remote) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.cmd == nil {
		r.phase = StateStopped
		r.mu.Unlock()
		return
	}
	if r.phase != StateStopped {
		r.phase = StateStopping
		logging.Debugf(ctx, "stopping %s process", r.name)
	}
	readerDone := r.readerDone
	r.mu.Unlock()

	r.terminate(ctx)
	r.closeStdin()
	r.waitFor(readerDone, terminateGrace)

	r.mu.Lock()
	r.phase = StateStopped
	r.mu.Unlock()
}

func (r *Remote) writeLine(line string) error {
	r.stdinMu.Lock()
	defer r.stdinMu.Unlock()
	_, err := io.WriteString(r.stdin, line+"\n")
	return err
}

func (r *Remote) closeStdin() {
	r.stdinMu.Lock()
	defer r.stdinMu.Unlock()
	r.stdin.Close()
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
