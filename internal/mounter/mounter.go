// Package mounter supervises the external mount process that layers a
// writable upperdir over the virtual filesystem HTTP server.
//
// The session lifecycle is a small state machine:
//
//	Starting -> WaitingForMount -> Active -> Stopping -> Stopped
//
// with Failed terminal from the first two states. The mount process is
// always stopped before the HTTP server because it is the server's only
// client.
package mounter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sly67/pathmap/internal/httpfs"
	"github.com/sly67/pathmap/internal/logging"
	"github.com/sly67/pathmap/internal/metrics"
	"github.com/sly67/pathmap/internal/rclone"
)

var (
	// ErrMountNeverAppeared means the mount process exited before the
	// mount point became active. Fatal, never retried.
	ErrMountNeverAppeared = errors.New("mounter: mount process exited before mount appeared")

	// ErrMountTimeout means the mount point did not appear within the
	// configured wait budget.
	ErrMountTimeout = errors.New("mounter: timed out waiting for mount")
)

// State is the supervisor state, exposed for logging.
type State int

const (
	StateStarting State = iota
	StateWaitingForMount
	StateActive
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateWaitingForMount:
		return "waiting-for-mount"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NoMountTimeout disables the bound on the mount-appearance wait.
const NoMountTimeout = time.Duration(-1)

// Options configures a mount session.
type Options struct {
	// Upperdir is the writable layer. Must be an existing directory.
	Upperdir string
	// Mountdir is the mount point; empty means a session-owned temporary
	// directory is created.
	Mountdir string
	// PassthroughFlags are forwarded verbatim to the mount process.
	PassthroughFlags []string
	// PollInterval between mount-liveness checks. Default 1s.
	PollInterval time.Duration
	// MountTimeout bounds the wait for the mount to appear. Zero means
	// the 60s default; NoMountTimeout disables the bound.
	MountTimeout time.Duration
	// Tool runs the external mount command. Default rclone.New("").
	Tool *rclone.Tool
	// CheckMountpoint reports mount liveness. Default IsMountpoint.
	CheckMountpoint MountpointChecker
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	if opts.MountTimeout == 0 {
		opts.MountTimeout = 60 * time.Second
	}
	if opts.Tool == nil {
		opts.Tool = rclone.New("")
	}
	if opts.CheckMountpoint == nil {
		opts.CheckMountpoint = IsMountpoint
	}
	return opts
}

// Session owns the mount process and the HTTP server runner for its
// lifetime; both are torn down together, process first.
type Session struct {
	cmd        *exec.Cmd
	runner     *httpfs.Runner
	mountPoint string
	owned      bool
	check      MountpointChecker

	state   State
	stateMu sync.Mutex

	waitDone chan struct{}
	waitErr  error

	closeOnce sync.Once
}

func (s *Session) setState(next State) {
	s.stateMu.Lock()
	s.state = next
	s.stateMu.Unlock()
	logging.Debug("mount session state", zap.String("state", next.String()))
}

// State returns the current supervisor state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// MountPoint returns the active mount point path.
func (s *Session) MountPoint() string {
	return s.mountPoint
}

// Mount launches the external mount process against an already-bound HTTP
// runner and blocks until the mount point is live. On success the returned
// session owns both the process and the runner; on failure the runner stays
// with the caller.
func Mount(ctx context.Context, runner *httpfs.Runner, o Options) (*Session, error) {
	opts := o.withDefaults()

	mountPoint, owned, err := AcquireMountpoint(opts.Mountdir)
	if err != nil {
		return nil, err
	}

	s := &Session{
		runner:     runner,
		mountPoint: mountPoint,
		owned:      owned,
		check:      opts.CheckMountpoint,
		waitDone:   make(chan struct{}),
	}
	s.setState(StateStarting)

	spec := rclone.MountSpec{
		HTTPURL:          runner.URL(),
		Upperdir:         opts.Upperdir,
		Mountdir:         mountPoint,
		PassthroughFlags: opts.PassthroughFlags,
	}
	// The mount process must outlive ctx cancellation handling here; it
	// is interrupted explicitly, so it gets a background context.
	s.cmd = opts.Tool.MountCommand(context.Background(), spec)

	if err := s.cmd.Start(); err != nil {
		metrics.RecordSubprocessSpawn("mount", false)
		s.setState(StateFailed)
		s.releaseWorkspace(ctx)
		return nil, fmt.Errorf("start mount process: %w", err)
	}
	metrics.RecordSubprocessSpawn("mount", true)
	logging.Info("mount process started",
		zap.Int("pid", s.cmd.Process.Pid),
		zap.String("mountpoint", mountPoint),
		zap.String("upstream", runner.URL()))

	go func() {
		s.waitErr = s.cmd.Wait()
		close(s.waitDone)
	}()

	s.setState(StateWaitingForMount)
	if err := s.waitForMount(ctx, opts); err != nil {
		s.setState(StateFailed)
		s.releaseWorkspace(ctx)
		return nil, err
	}

	s.setState(StateActive)
	metrics.MountSessionStarted()
	logging.Info("mount active", zap.String("mountpoint", mountPoint))
	return s, nil
}

// waitForMount polls mount liveness until the mount appears, the child dies,
// the timeout budget runs out, or ctx is cancelled.
func (s *Session) waitForMount(ctx context.Context, opts Options) error {
	var deadline <-chan time.Time
	if opts.MountTimeout > 0 {
		timer := time.NewTimer(opts.MountTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		if s.check(s.mountPoint) {
			return nil
		}
		select {
		case <-s.waitDone:
			// One last check: the mount may have appeared between
			// the previous check and the (expected-on-unmount)
			// process exit.
			if s.check(s.mountPoint) {
				return nil
			}
			if s.waitErr != nil {
				return fmt.Errorf("%w: %v", ErrMountNeverAppeared, s.waitErr)
			}
			return ErrMountNeverAppeared
		case <-deadline:
			s.interruptAndReap()
			return ErrMountTimeout
		case <-ctx.Done():
			s.interruptAndReap()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// interruptAndReap signals the child and waits for it to exit.
func (s *Session) interruptAndReap() {
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		logging.Debug("interrupt mount process", zap.Error(err))
	}
	<-s.waitDone
}

// Wait blocks until the mount process exits on its own (external unmount or
// termination) and returns its exit error, if any.
func (s *Session) Wait() error {
	<-s.waitDone
	return s.waitErr
}

// Close tears the session down: interrupt the mount process, await its exit,
// stop the HTTP server, release the workspace. Safe to call more than once;
// only the first call does the work.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.setState(StateStopping)

		select {
		case <-s.waitDone:
			// Child already gone (external unmount or kill).
		default:
			s.interruptAndReap()
		}

		// Server goes down only after its sole client is gone.
		if err := s.runner.Close(ctx); err != nil {
			logging.Warn("http server shutdown", zap.Error(err))
		}

		s.releaseWorkspace(ctx)
		s.setState(StateStopped)
		metrics.MountSessionEnded()
		logging.Info("mount session stopped", zap.String("mountpoint", s.mountPoint))
	})
	return nil
}

func (s *Session) releaseWorkspace(ctx context.Context) {
	ReleaseMountpoint(ctx, s.mountPoint, s.owned, s.check)
}
