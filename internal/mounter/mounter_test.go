package mounter

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sly67/pathmap/internal/httpfs"
	"github.com/sly67/pathmap/internal/poll"
	"github.com/sly67/pathmap/internal/rclone"
)

// fakeMountBinary writes an executable script standing in for rclone mount.
func fakeMountBinary(t *testing.T, script string) *rclone.Tool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-rclone")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return rclone.New(path)
}

func testRunner(t *testing.T) *httpfs.Runner {
	t.Helper()
	runner, err := httpfs.ListenLoopback(http.NotFoundHandler())
	if err != nil {
		t.Fatalf("ListenLoopback: %v", err)
	}
	t.Cleanup(func() { runner.Close(context.Background()) })
	return runner
}

// fastRelease shrinks the unmount-wait budget for the duration of a test.
func fastRelease(t *testing.T) {
	t.Helper()
	saved := releasePoll
	releasePoll = poll.Config{MaxAttempts: 3, Interval: time.Millisecond}
	t.Cleanup(func() { releasePoll = saved })
}

func TestMount_ChildExitsBeforeMountAppears(t *testing.T) {
	fastRelease(t)
	runner := testRunner(t)

	tool := fakeMountBinary(t, "exit 3")
	upperdir := t.TempDir()
	mountdir := t.TempDir()

	done := make(chan error, 1)
	go func() {
		_, err := Mount(context.Background(), runner, Options{
			Upperdir:        upperdir,
			Mountdir:        mountdir,
			PollInterval:    5 * time.Millisecond,
			MountTimeout:    10 * time.Second,
			Tool:            tool,
			CheckMountpoint: func(string) bool { return false },
		})
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrMountNeverAppeared) {
			t.Fatalf("err = %v, want ErrMountNeverAppeared", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Mount hung after child exit")
	}
}

func TestOptions_MountTimeoutDefaults(t *testing.T) {
	// Zero means unset and picks up the default bound.
	zero := Options{}
	if got := zero.withDefaults().MountTimeout; got != 60*time.Second {
		t.Errorf("withDefaults() MountTimeout = %v, want 60s", got)
	}

	// The sentinel must survive defaulting so the wait stays unbounded.
	unbounded := Options{MountTimeout: NoMountTimeout}
	if got := unbounded.withDefaults().MountTimeout; got != NoMountTimeout {
		t.Errorf("withDefaults() MountTimeout = %v, want NoMountTimeout", got)
	}
}

func TestMount_UnboundedTimeout(t *testing.T) {
	fastRelease(t)
	runner := testRunner(t)

	// The mount appears only after a delay; with the bound disabled the
	// session must wait it out rather than failing with ErrMountTimeout.
	var mounted atomic.Bool
	time.AfterFunc(100*time.Millisecond, func() { mounted.Store(true) })

	session, err := Mount(context.Background(), runner, Options{
		Upperdir:        t.TempDir(),
		Mountdir:        t.TempDir(),
		PollInterval:    5 * time.Millisecond,
		MountTimeout:    NoMountTimeout,
		Tool:            fakeMountBinary(t, "exec sleep 60"),
		CheckMountpoint: func(string) bool { return mounted.Load() },
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if session.State() != StateActive {
		t.Errorf("State() = %v, want active", session.State())
	}

	mounted.Store(false)
	session.Close(context.Background())
}

func TestMount_Timeout(t *testing.T) {
	fastRelease(t)
	runner := testRunner(t)

	_, err := Mount(context.Background(), runner, Options{
		Upperdir:        t.TempDir(),
		Mountdir:        t.TempDir(),
		PollInterval:    5 * time.Millisecond,
		MountTimeout:    50 * time.Millisecond,
		Tool:            fakeMountBinary(t, "exec sleep 60"),
		CheckMountpoint: func(string) bool { return false },
	})
	if !errors.Is(err, ErrMountTimeout) {
		t.Fatalf("err = %v, want ErrMountTimeout", err)
	}
}

func TestMount_SpawnFailure(t *testing.T) {
	fastRelease(t)
	runner := testRunner(t)

	_, err := Mount(context.Background(), runner, Options{
		Upperdir:        t.TempDir(),
		Mountdir:        t.TempDir(),
		PollInterval:    5 * time.Millisecond,
		Tool:            rclone.New("/nonexistent/binary"),
		CheckMountpoint: func(string) bool { return false },
	})
	if err == nil {
		t.Fatal("Mount with missing binary succeeded")
	}
}

func TestMount_ActiveThenClose(t *testing.T) {
	fastRelease(t)
	runner := testRunner(t)

	var mounted atomic.Bool
	mounted.Store(true)

	session, err := Mount(context.Background(), runner, Options{
		Upperdir:        t.TempDir(),
		PollInterval:    5 * time.Millisecond,
		Tool:            fakeMountBinary(t, "exec sleep 60"),
		CheckMountpoint: func(string) bool { return mounted.Load() },
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if session.State() != StateActive {
		t.Errorf("State() = %v, want active", session.State())
	}

	mountPoint := session.MountPoint()
	if _, err := os.Stat(mountPoint); err != nil {
		t.Fatalf("session mountpoint missing: %v", err)
	}

	// The child is interrupted on Close; the mount disappears with it.
	mounted.Store(false)
	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if session.State() != StateStopped {
		t.Errorf("State() after Close = %v, want stopped", session.State())
	}

	// The session created its own mountpoint, so teardown removes it.
	if _, err := os.Stat(mountPoint); !os.IsNotExist(err) {
		t.Errorf("owned mountpoint still present after Close: %v", err)
	}
}

func TestMount_CloseIdempotent(t *testing.T) {
	fastRelease(t)
	runner := testRunner(t)

	var mounted atomic.Bool
	mounted.Store(true)

	session, err := Mount(context.Background(), runner, Options{
		Upperdir:        t.TempDir(),
		Mountdir:        t.TempDir(),
		PollInterval:    5 * time.Millisecond,
		Tool:            fakeMountBinary(t, "exec sleep 60"),
		CheckMountpoint: func(string) bool { return mounted.Load() },
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}

	mounted.Store(false)
	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestMount_CallerSuppliedMountdirPreserved(t *testing.T) {
	fastRelease(t)
	runner := testRunner(t)

	mountdir := t.TempDir()
	var mounted atomic.Bool
	mounted.Store(true)

	session, err := Mount(context.Background(), runner, Options{
		Upperdir:        t.TempDir(),
		Mountdir:        mountdir,
		PollInterval:    5 * time.Millisecond,
		Tool:            fakeMountBinary(t, "exec sleep 60"),
		CheckMountpoint: func(string) bool { return mounted.Load() },
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}

	mounted.Store(false)
	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(mountdir); err != nil {
		t.Errorf("caller-supplied mountdir deleted on teardown: %v", err)
	}
}

func TestSession_WaitReturnsOnChildExit(t *testing.T) {
	fastRelease(t)
	runner := testRunner(t)

	var mounted atomic.Bool
	mounted.Store(true)

	session, err := Mount(context.Background(), runner, Options{
		Upperdir:        t.TempDir(),
		Mountdir:        t.TempDir(),
		PollInterval:    5 * time.Millisecond,
		Tool:            fakeMountBinary(t, "sleep 0.05"),
		CheckMountpoint: func(string) bool { return mounted.Load() },
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Wait hung after child exit")
	}

	mounted.Store(false)
	session.Close(context.Background())
}
