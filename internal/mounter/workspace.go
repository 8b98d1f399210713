package mounter

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sly67/pathmap/internal/logging"
	"github.com/sly67/pathmap/internal/poll"
)

// Unmount waits use the same fixed budget as the reference tooling.
var releasePoll = poll.Config{MaxAttempts: 3, Interval: time.Second}

// AcquireMountpoint resolves the mount-point directory for a session. A
// caller-supplied path must already be an existing directory and is never
// owned; an empty path yields a fresh temporary directory owned by the
// session.
func AcquireMountpoint(path string) (dir string, owned bool, err error) {
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return "", false, fmt.Errorf("mountpoint %s: %w", path, err)
		}
		if !info.IsDir() {
			return "", false, fmt.Errorf("mountpoint %s: not a directory", path)
		}
		return path, false, nil
	}

	dir, err = os.MkdirTemp("", "pathmap-mnt-")
	if err != nil {
		return "", false, fmt.Errorf("create mountpoint: %w", err)
	}
	return dir, true, nil
}

// ReleaseMountpoint waits for the path to stop being a mount point and, when
// the directory is session-owned, removes it. A mount that never goes away
// within the retry budget is left in place with a warning: forced unmounts
// are the mount process's job, not ours.
func ReleaseMountpoint(ctx context.Context, dir string, owned bool, check MountpointChecker) {
	unmounted := poll.Until(ctx, releasePoll, func() bool {
		return !check(dir)
	})
	if !unmounted {
		logging.Warn("mountpoint still mounted after teardown wait, leaving in place",
			zap.String("dir", dir))
		return
	}

	if !owned {
		return
	}
	if err := os.Remove(dir); err != nil {
		logging.Warn("failed to remove mountpoint", zap.String("dir", dir), zap.Error(err))
		return
	}
	logging.Debug("removed mountpoint", zap.String("dir", dir))
}
