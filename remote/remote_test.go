// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package remote_test

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/google/go-cmp/cmp"

	"github.com/rspy/rstest/errors"
	"github.com/rspy/rstest/internal/env"
	"github.com/rspy/rstest/internal/fakeexec"
	"github.com/rspy/rstest/internal/logging"
	"github.com/rspy/rstest/internal/logging/loggingtest"
	"github.com/rspy/rstest/onfail"
	"github.com/rspy/rstest/remote"
	"github.com/rspy/rstest/testutil"
)

const testTimeout = 30 * time.Second

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func say(w io.Writer, lines ...string) {
	for _, line := range lines {
		io.WriteString(w, line+"\n")
	}
}

// serveCommands emulates the command loop of a nested script. handle is
// called for each command line until "exit()" or the end of stdin.
func serveCommands(stdin io.Reader, handle func(cmd string)) int {
	sc := bufio.NewScanner(stdin)
	for sc.Scan() {
		cmd := sc.Text()
		if cmd == "exit()" {
			return 0
		}
		if strings.HasPrefix(cmd, "exit(") {
			code, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(cmd, "exit("), ")"))
			return code
		}
		handle(cmd)
	}
	return 0
}

// startRemote starts a remote running proc as a loopback executable.
func startRemote(ctx context.Context, t *testing.T, proc fakeexec.ProcFunc, opts ...remote.Option) (*remote.Remote, *syncBuffer) {
	t.Helper()

	path := filepath.Join(testutil.TempDir(t), "server")
	lo, err := fakeexec.CreateLoopback(path, proc)
	if err != nil {
		t.Fatal("CreateLoopback failed: ", err)
	}
	t.Cleanup(func() { lo.Close() })

	out := &syncBuffer{}
	opts = append([]remote.Option{
		remote.WithName("server"),
		remote.WithCommand(path, "-i", "--nested", "svr"),
		remote.WithOutput(out),
	}, opts...)
	r, err := remote.New("server.py", opts...)
	if err != nil {
		t.Fatal("New failed: ", err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatal("Start failed: ", err)
	}
	t.Cleanup(func() { r.Stop(ctx) })
	return r, out
}

func TestRemoteEndToEnd(t *testing.T) {
	ctx := context.Background()
	r, out := startRemote(ctx, t, func(_ []string, stdin io.Reader, stdout, _ io.WriteCloser) int {
		say(stdout, "[svr] hello", "___")
		return serveCommands(stdin, func(cmd string) {
			switch cmd {
			case "do_thing()":
				say(stdout, "[svr] 42", "___")
			case "fail()":
				say(stdout,
					"Traceback (most recent call last):",
					`  File "x.py", line 1`,
					"ValueError: boom",
					"___")
			}
		})
	})

	if err := r.WaitUntilReady(ctx, testTimeout); err != nil {
		t.Fatal("WaitUntilReady failed: ", err)
	}
	if s := r.State(); s != remote.StateReady {
		t.Errorf("State after start-up = %v; want %v", s, remote.StateReady)
	}
	if err := r.Run(ctx, "do_thing()", testTimeout, onfail.Raise); err != nil {
		t.Fatal("Run failed: ", err)
	}

	err := r.Run(ctx, "fail()", testTimeout, onfail.Raise)
	var rerr *remote.RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("Run returned %v; want RemoteError", err)
	}
	if rerr.Message != "ValueError: boom" {
		t.Errorf("RemoteError message = %q; want %q", rerr.Message, "ValueError: boom")
	}
	wantTB := []string{"Traceback (most recent call last):", `  File "x.py", line 1`, "ValueError: boom"}
	if diff := cmp.Diff(rerr.Traceback, wantTB); diff != "" {
		t.Errorf("Traceback mismatch (-got +want):\n%s", diff)
	}

	status, err := r.Wait(ctx, testTimeout)
	if err != nil {
		t.Error("Wait failed: ", err)
	}
	if status != 0 {
		t.Errorf("Wait returned status %d; want 0", status)
	}
	if r.Running() {
		t.Error("Remote still running after Wait")
	}
	if s := r.State(); s != remote.StateStopped {
		t.Errorf("State after Wait = %v; want %v", s, remote.StateStopped)
	}

	const wantOut = `[svr] hello
[svr] 42
[svr] Traceback (most recent call last):
[svr]   File "x.py", line 1
[svr] ValueError: boom
`
	if diff := cmp.Diff(out.String(), wantOut); diff != "" {
		t.Errorf("Output mismatch (-got +want):\n%s", diff)
	}

	if err := r.Run(ctx, "do_thing()", testTimeout, onfail.Raise); !errors.Is(err, remote.ErrStopped) {
		t.Errorf("Run after Wait returned %v; want %v", err, remote.ErrStopped)
	}
}

func TestRemoteFIFOCorrelation(t *testing.T) {
	const n = 8
	ctx := context.Background()
	r, _ := startRemote(ctx, t, func(_ []string, stdin io.Reader, stdout, _ io.WriteCloser) int {
		say(stdout, "___")
		i := 0
		return serveCommands(stdin, func(cmd string) {
			// Answers carry no identifier; only their order matters.
			if i%3 == 1 {
				say(stdout, "Traceback (most recent call last):", fmt.Sprintf("RuntimeError: %d", i))
			}
			say(stdout, "___")
			i++
		})
	})
	if err := r.WaitUntilReady(ctx, testTimeout); err != nil {
		t.Fatal("WaitUntilReady failed: ", err)
	}

	var mu sync.Mutex
	got := make([]string, n)
	for i := 0; i < n; i++ {
		i := i
		if err := r.Send(ctx, fmt.Sprintf("cmd%d()", i), func(err error) {
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				got[i] = "ok"
			} else {
				got[i] = err.Error()
			}
		}); err != nil {
			t.Fatalf("Send #%d failed: %v", i, err)
		}
	}
	// Acknowledgements arrive in order, so earlier callbacks have run when
	// this returns.
	if err := r.Run(ctx, "sync()", testTimeout, onfail.Raise); err != nil {
		t.Fatal("Run failed: ", err)
	}

	want := make([]string, n)
	for i := range want {
		want[i] = "ok"
		if i%3 == 1 {
			want[i] = fmt.Sprintf("RuntimeError: %d", i)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Resolutions mismatch (-got +want):\n%s", diff)
	}
}

func TestRemoteUnexpectedExit(t *testing.T) {
	const pending = 3
	ctx := context.Background()
	finished := make(chan int, 1)
	r, _ := startRemote(ctx, t, func(_ []string, stdin io.Reader, stdout, _ io.WriteCloser) int {
		say(stdout, "___")
		sc := bufio.NewScanner(stdin)
		for i := 0; i < pending && sc.Scan(); i++ {
		}
		// Die without acknowledging anything.
		return 3
	}, remote.WithOnFinish(func(status int) { finished <- status }))
	if err := r.WaitUntilReady(ctx, testTimeout); err != nil {
		t.Fatal("WaitUntilReady failed: ", err)
	}

	errs := make(chan error, pending)
	for i := 0; i < pending-1; i++ {
		if err := r.Send(ctx, "hang()", func(err error) { errs <- err }); err != nil {
			t.Fatal("Send failed: ", err)
		}
	}
	errs <- r.Run(ctx, "hang()", testTimeout, onfail.Raise)

	for i := 0; i < pending; i++ {
		err := <-errs
		var xerr *remote.UnexpectedExitError
		if !errors.As(err, &xerr) {
			t.Errorf("Command %d resolved with %v; want UnexpectedExitError", i, err)
		} else if xerr.Status != 3 {
			t.Errorf("Command %d resolved with status %d; want 3", i, xerr.Status)
		}
	}
	if status := <-finished; status != 3 {
		t.Errorf("OnFinish got status %d; want 3", status)
	}
	if n := r.Pending(); n != 0 {
		t.Errorf("Pending() = %d after exit; want 0", n)
	}
	status, err := r.Wait(ctx, testTimeout)
	if err != nil {
		t.Error("Wait failed: ", err)
	}
	if status != 3 {
		t.Errorf("Wait returned %d; want 3", status)
	}
}

func TestRemoteStartupFailure(t *testing.T) {
	ctx := context.Background()
	r, _ := startRemote(ctx, t, func(_ []string, _ io.Reader, stdout, _ io.WriteCloser) int {
		say(stdout, "Traceback (most recent call last):", "ImportError: no module")
		return 1
	})
	err := r.WaitUntilReady(ctx, testTimeout)
	var xerr *remote.UnexpectedExitError
	if !errors.As(err, &xerr) || xerr.Status != 1 {
		t.Errorf("WaitUntilReady returned %v; want UnexpectedExitError with status 1", err)
	}
}

func TestRemoteStartupException(t *testing.T) {
	ctx := context.Background()
	r, _ := startRemote(ctx, t, func(_ []string, stdin io.Reader, stdout, _ io.WriteCloser) int {
		say(stdout, "Traceback (most recent call last):", "ImportError: no module", "___")
		return serveCommands(stdin, func(string) {})
	})
	err := r.WaitUntilReady(ctx, testTimeout)
	var rerr *remote.RemoteError
	if !errors.As(err, &rerr) || rerr.Message != "ImportError: no module" {
		t.Errorf("WaitUntilReady returned %v; want RemoteError", err)
	}
	if _, err := r.Wait(ctx, testTimeout); err != nil {
		t.Error("Wait failed: ", err)
	}
}

func TestRemoteUnobservedStartupException(t *testing.T) {
	ctx := context.Background()
	finished := make(chan int, 1)
	r, _ := startRemote(ctx, t, func(_ []string, _ io.Reader, stdout, _ io.WriteCloser) int {
		say(stdout, "Traceback (most recent call last):", "ImportError: no module", "___")
		return 0
	}, remote.WithOnFinish(func(status int) { finished <- status }))
	<-finished

	// Nobody waited for the start-up, so Wait reports its exception.
	_, err := r.Wait(ctx, testTimeout)
	var rerr *remote.RemoteError
	if !errors.As(err, &rerr) {
		t.Errorf("Wait returned %v; want RemoteError", err)
	}
}

func TestRemoteRunTimeout(t *testing.T) {
	ctx := context.Background()
	clk := fakeclock.NewFakeClock(time.Unix(0, 0))
	release := make(chan struct{})
	r, _ := startRemote(ctx, t, func(_ []string, stdin io.Reader, stdout, _ io.WriteCloser) int {
		say(stdout, "___")
		return serveCommands(stdin, func(cmd string) {
			switch cmd {
			case "slow()":
				<-release
				say(stdout, "Traceback (most recent call last):", "RuntimeError: slow", "___")
			default:
				say(stdout, "___")
			}
		})
	}, remote.WithClock(clk))
	if err := r.WaitUntilReady(ctx, 0); err != nil {
		t.Fatal("WaitUntilReady failed: ", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, "slow()", 5*time.Second, onfail.Raise)
	}()
	clk.WaitForWatcherAndIncrement(5 * time.Second)
	var terr *remote.TimeoutError
	if err := <-done; !errors.As(err, &terr) {
		t.Fatalf("Run returned %v; want TimeoutError", err)
	}

	// The timed-out command still owns the next acknowledgement.
	afterDone := make(chan error, 1)
	if err := r.Send(ctx, "after()", func(err error) { afterDone <- err }); err != nil {
		t.Fatal("Send failed: ", err)
	}
	if n := r.Pending(); n != 2 {
		t.Errorf("Pending() = %d; want 2", n)
	}
	close(release)
	if err := <-afterDone; err != nil {
		t.Errorf("after() resolved with %v; want nil", err)
	}

	// The exception of the timed-out command goes to the next waiter.
	err := r.Run(ctx, "next()", 0, onfail.Raise)
	var rerr *remote.RemoteError
	if !errors.As(err, &rerr) || rerr.Message != "RuntimeError: slow" {
		t.Errorf("Run returned %v; want RemoteError from slow()", err)
	}
	if err := r.Run(ctx, "next()", 0, onfail.Raise); err != nil {
		t.Errorf("Second Run returned %v; want nil", err)
	}
	if _, err := r.Wait(ctx, 0); err != nil {
		t.Error("Wait failed: ", err)
	}
}

func TestRemoteWaitUntilReadyTimeout(t *testing.T) {
	ctx := context.Background()
	clk := fakeclock.NewFakeClock(time.Unix(0, 0))
	r, _ := startRemote(ctx, t, func(_ []string, stdin io.Reader, _, _ io.WriteCloser) int {
		io.Copy(io.Discard, stdin)
		return 0
	}, remote.WithClock(clk))

	done := make(chan error, 1)
	go func() {
		done <- r.WaitUntilReady(ctx, 10*time.Second)
	}()
	clk.WaitForWatcherAndIncrement(10 * time.Second)
	var terr *remote.TimeoutError
	if err := <-done; !errors.As(err, &terr) {
		t.Fatalf("WaitUntilReady returned %v; want TimeoutError", err)
	}
	if s := r.State(); s != remote.StateStarting {
		t.Errorf("State = %v; want %v", s, remote.StateStarting)
	}

	r.Stop(ctx)
	if r.Running() {
		t.Error("Remote still running after Stop")
	}
	status, ok := r.Status()
	if !ok || status != -int(syscall.SIGTERM) {
		t.Errorf("Status() = (%d, %v); want (%d, true)", status, ok, -int(syscall.SIGTERM))
	}
}

// waitForOutput waits until out contains s.
func waitForOutput(t *testing.T, out *syncBuffer, s string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !strings.Contains(out.String(), s) {
		if time.Now().After(deadline) {
			t.Fatalf("Output %q does not contain %q", out.String(), s)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRemoteLateStartupException(t *testing.T) {
	// start runs a remote that raises during start-up only after the first
	// WaitUntilReady timed out, and returns once the exception was read.
	start := func(ctx context.Context, t *testing.T) *remote.Remote {
		clk := fakeclock.NewFakeClock(time.Unix(0, 0))
		release := make(chan struct{})
		r, out := startRemote(ctx, t, func(_ []string, stdin io.Reader, stdout, _ io.WriteCloser) int {
			<-release
			say(stdout, "Traceback (most recent call last):", "ValueError: init", "___", "[svr] initialized")
			return serveCommands(stdin, func(string) {
				say(stdout, "___")
			})
		}, remote.WithClock(clk))

		done := make(chan error, 1)
		go func() {
			done <- r.WaitUntilReady(ctx, 5*time.Second)
		}()
		clk.WaitForWatcherAndIncrement(5 * time.Second)
		var terr *remote.TimeoutError
		if err := <-done; !errors.As(err, &terr) {
			t.Fatalf("WaitUntilReady returned %v; want TimeoutError", err)
		}
		close(release)
		waitForOutput(t, out, "[svr] initialized\n")
		return r
	}

	t.Run("wait again", func(t *testing.T) {
		ctx := context.Background()
		r := start(ctx, t)
		err := r.WaitUntilReady(ctx, 0)
		var rerr *remote.RemoteError
		if !errors.As(err, &rerr) || rerr.Message != "ValueError: init" {
			t.Errorf("Second WaitUntilReady returned %v; want RemoteError", err)
		}
		// The exception was reported, so the next command is not blamed.
		if err := r.Run(ctx, "ok()", testTimeout, onfail.Raise); err != nil {
			t.Errorf("Run returned %v; want nil", err)
		}
		if _, err := r.Wait(ctx, testTimeout); err != nil {
			t.Error("Wait failed: ", err)
		}
	})

	t.Run("next command", func(t *testing.T) {
		ctx := context.Background()
		r := start(ctx, t)
		err := r.Run(ctx, "ok()", testTimeout, onfail.Raise)
		var rerr *remote.RemoteError
		if !errors.As(err, &rerr) || rerr.Message != "ValueError: init" {
			t.Errorf("Run returned %v; want RemoteError", err)
		}
		if err := r.WaitUntilReady(ctx, 0); err != nil {
			t.Errorf("Second WaitUntilReady returned %v; want nil", err)
		}
		if _, err := r.Wait(ctx, testTimeout); err != nil {
			t.Error("Wait failed: ", err)
		}
	})
}

func TestRemoteUnterminatedSentinel(t *testing.T) {
	ctx := context.Background()
	r, out := startRemote(ctx, t, func(_ []string, _ io.Reader, stdout, _ io.WriteCloser) int {
		io.WriteString(stdout, "___")
		return 3
	})
	err := r.WaitUntilReady(ctx, testTimeout)
	var xerr *remote.UnexpectedExitError
	if !errors.As(err, &xerr) || xerr.Status != 3 {
		t.Errorf("WaitUntilReady returned %v; want UnexpectedExitError with status 3", err)
	}
	if got, want := out.String(), "[svr] ___\n"; got != want {
		t.Errorf("Output = %q; want %q", got, want)
	}
}

func TestRemoteContextCancel(t *testing.T) {
	ctx := context.Background()
	r, _ := startRemote(ctx, t, func(_ []string, stdin io.Reader, _, _ io.WriteCloser) int {
		io.Copy(io.Discard, stdin)
		return 0
	})
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := r.WaitUntilReady(cctx, testTimeout); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitUntilReady returned %v; want %v", err, context.Canceled)
	}
}

func TestRemotePolicies(t *testing.T) {
	proc := func(_ []string, stdin io.Reader, stdout, _ io.WriteCloser) int {
		say(stdout, "___")
		return serveCommands(stdin, func(string) {
			say(stdout, "Traceback (most recent call last):", `  File "<stdin>", line 1`, "ValueError: boom", "___")
		})
	}

	t.Run("log", func(t *testing.T) {
		logger := loggingtest.NewLogger(t, logging.LevelInfo)
		ctx := logging.AttachLogger(context.Background(), logger)
		r, _ := startRemote(ctx, t, proc)
		if err := r.WaitUntilReady(ctx, testTimeout); err != nil {
			t.Fatal("WaitUntilReady failed: ", err)
		}
		if err := r.Run(ctx, "bad()", testTimeout, onfail.Log); err != nil {
			t.Errorf("Run returned %v; want nil", err)
		}
		for _, line := range []string{`  File "<stdin>", line 1`, "ValueError: boom"} {
			if !logger.Contains(line) {
				t.Errorf("Remote traceback line %q not logged; got logs:\n%s", line, logger.String())
			}
		}
		if !r.Running() {
			t.Error("Remote stopped after a logged failure")
		}
	})

	t.Run("abort", func(t *testing.T) {
		ctx := context.Background()
		aborted := make(chan error, 1)
		r, _ := startRemote(ctx, t, proc, remote.WithAborter(func(err error) { aborted <- err }))
		if err := r.WaitUntilReady(ctx, testTimeout); err != nil {
			t.Fatal("WaitUntilReady failed: ", err)
		}
		err := r.Run(ctx, "bad()", testTimeout, onfail.Abort)
		var rerr *remote.RemoteError
		if !errors.As(err, &rerr) {
			t.Errorf("Run returned %v; want wrapped RemoteError", err)
		}
		select {
		case err := <-aborted:
			if !errors.As(err, &rerr) {
				t.Errorf("Aborter got %v; want RemoteError", err)
			}
		default:
			t.Error("Aborter not called")
		}
		if s := r.State(); s != remote.StateStopped {
			t.Errorf("State after abort = %v; want %v", s, remote.StateStopped)
		}
	})
}

func TestRemoteWaitReportsUnobservedException(t *testing.T) {
	ctx := context.Background()
	r, _ := startRemote(ctx, t, func(_ []string, stdin io.Reader, stdout, _ io.WriteCloser) int {
		say(stdout, "___")
		return serveCommands(stdin, func(string) {
			say(stdout, `  File "<stdin>", line 1`, "NameError: name 'oops' is not defined", "___")
		})
	})
	if err := r.WaitUntilReady(ctx, testTimeout); err != nil {
		t.Fatal("WaitUntilReady failed: ", err)
	}
	if err := r.Send(ctx, "oops()", nil); err != nil {
		t.Fatal("Send failed: ", err)
	}
	status, err := r.Wait(ctx, testTimeout)
	if status != 0 {
		t.Errorf("Wait returned status %d; want 0", status)
	}
	var rerr *remote.RemoteError
	if !errors.As(err, &rerr) || !strings.HasPrefix(rerr.Message, "NameError") {
		t.Errorf("Wait returned %v; want NameError", err)
	}
}

func TestRemoteNotInteractive(t *testing.T) {
	ctx := context.Background()
	r, out := startRemote(ctx, t, func(_ []string, _ io.Reader, stdout, _ io.WriteCloser) int {
		say(stdout, "[svr] done", "___")
		return 0
	}, remote.WithInteractive(false))
	if err := r.Run(ctx, "foo()", testTimeout, onfail.Raise); !errors.Is(err, remote.ErrNotInteractive) {
		t.Errorf("Run returned %v; want %v", err, remote.ErrNotInteractive)
	}
	status, err := r.Wait(ctx, testTimeout)
	if err != nil || status != 0 {
		t.Errorf("Wait = (%d, %v); want (0, nil)", status, err)
	}
	if got := out.String(); got != "[svr] done\n" {
		t.Errorf("Output = %q; want %q", got, "[svr] done\n")
	}
}

func TestRemoteLaunchError(t *testing.T) {
	ctx := context.Background()
	r, err := remote.New("missing", remote.WithCommand("/nonexistent/server"))
	if err != nil {
		t.Fatal("New failed: ", err)
	}
	var lerr *remote.LaunchError
	if err := r.Start(ctx); !errors.As(err, &lerr) {
		t.Errorf("Start returned %v; want LaunchError", err)
	}
	if s := r.State(); s != remote.StateStopped {
		t.Errorf("State = %v; want %v", s, remote.StateStopped)
	}
	if _, err := r.Wait(ctx, time.Second); !errors.Is(err, remote.ErrNotStarted) {
		t.Errorf("Wait returned %v; want %v", err, remote.ErrNotStarted)
	}
}

func TestRemoteNotStarted(t *testing.T) {
	ctx := context.Background()
	r, err := remote.New("server.py", remote.WithCommand("true"))
	if err != nil {
		t.Fatal("New failed: ", err)
	}
	if err := r.WaitUntilReady(ctx, time.Second); !errors.Is(err, remote.ErrNotStarted) {
		t.Errorf("WaitUntilReady returned %v; want %v", err, remote.ErrNotStarted)
	}
	if err := r.Send(ctx, "foo()", nil); !errors.Is(err, remote.ErrNotStarted) {
		t.Errorf("Send returned %v; want %v", err, remote.ErrNotStarted)
	}
	r.Stop(ctx)
}

func TestRemoteInterpreters(t *testing.T) {
	r, err := remote.New("/tmp/server.sh",
		remote.WithParentEnv(&env.Env{}),
		remote.WithInterpreters(map[string][]string{".sh": {"sh", "-e"}}))
	if err != nil {
		t.Fatal("New failed: ", err)
	}
	want := []string{"sh", "-e", "-i", "/tmp/server.sh", "--nested", "svr"}
	if diff := cmp.Diff(r.Command(), want); diff != "" {
		t.Errorf("Command mismatch (-got +want):\n%s", diff)
	}
}
