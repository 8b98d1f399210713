// Package rclone shells out to the rclone binary for everything that touches
// remote bytes: metadata queries (lsjson), content streaming (cat), union
// mounts (mount) and mountpoint probes. Remote location strings are opaque
// here; rclone owns every backend protocol.
package rclone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sly67/pathmap/internal/logging"
	"github.com/sly67/pathmap/internal/metrics"
)

// ErrObjectNotFound marks a metadata query that produced no usable object:
// non-zero exit, empty result, or unparseable output.
var ErrObjectNotFound = errors.New("rclone: object not found")

// ObjectInfo is the HTTP-servable subset of rclone's lsjson output.
type ObjectInfo struct {
	Size     int64
	MimeType string
	ModTime  time.Time
}

// lsjsonEntry mirrors the fields we consume from `rclone lsjson`.
type lsjsonEntry struct {
	Size     int64  `json:"Size"`
	MimeType string `json:"MimeType"`
	ModTime  string `json:"ModTime"`
}

// Tool invokes a specific rclone binary.
type Tool struct {
	Binary string
}

// New returns a Tool for the given binary name ("rclone" if empty).
func New(binary string) *Tool {
	if binary == "" {
		binary = "rclone"
	}
	return &Tool{Binary: binary}
}

// Stat runs `rclone lsjson` for a single remote location and returns its
// metadata. Any failure mode collapses to ErrObjectNotFound; the caller
// treats the object as absent and may retry later.
func (t *Tool) Stat(ctx context.Context, remote string) (*ObjectInfo, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, t.Binary, "lsjson", remote)
	cmd.Stderr = os.Stderr

	out, err := cmd.Output()
	metrics.RecordMetadataLookup(time.Since(start))
	if err != nil {
		metrics.RecordSubprocessSpawn("lsjson", false)
		logging.Debug("lsjson failed", zap.String("remote", remote), zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, remote)
	}
	metrics.RecordSubprocessSpawn("lsjson", true)

	var entries []lsjsonEntry
	if err := json.Unmarshal(out, &entries); err != nil || len(entries) == 0 {
		logging.Debug("lsjson returned no object", zap.String("remote", remote))
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, remote)
	}

	entry := entries[0]
	modTime, err := parseModTime(entry.ModTime)
	if err != nil {
		logging.Debug("lsjson modtime unparseable",
			zap.String("remote", remote),
			zap.String("modtime", entry.ModTime))
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, remote)
	}

	return &ObjectInfo{
		Size:     entry.Size,
		MimeType: entry.MimeType,
		ModTime:  modTime,
	}, nil
}

// parseModTime accepts the timestamp shapes rclone emits across backends.
func parseModTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// catStream ties the life of the cat subprocess to the returned reader.
type catStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

// Close closes the pipe and reaps the process. Closing the pipe before EOF
// makes rclone exit on its next write; the error from Wait is expected then
// and not propagated.
func (s *catStream) Close() error {
	s.ReadCloser.Close()
	if err := s.cmd.Wait(); err != nil {
		logging.Debug("cat exited", zap.Error(err))
	}
	return nil
}

// Cat runs `rclone cat` for a remote location and returns its stdout as a
// stream. Cancelling ctx kills the process; the caller must Close the reader
// to reap it. Stderr goes to this process's stderr, never into the stream.
func (t *Tool) Cat(ctx context.Context, remote string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, t.Binary, "cat", remote)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		metrics.RecordSubprocessSpawn("cat", false)
		return nil, fmt.Errorf("cat %s: stdout pipe: %w", remote, err)
	}
	if err := cmd.Start(); err != nil {
		metrics.RecordSubprocessSpawn("cat", false)
		return nil, fmt.Errorf("cat %s: %w", remote, err)
	}
	metrics.RecordSubprocessSpawn("cat", true)

	return &catStream{ReadCloser: stdout, cmd: cmd}, nil
}

// MountSpec describes one union mount invocation.
type MountSpec struct {
	// HTTPURL is the read-only upstream, the loopback address of the
	// virtual filesystem server.
	HTTPURL string
	// Upperdir is the writable upstream directory.
	Upperdir string
	// Mountdir is the mount point.
	Mountdir string
	// PassthroughFlags are forwarded verbatim to rclone mount.
	PassthroughFlags []string
}

// UnionUpstreams renders the union backend upstream specification. Upstream
// sub-arguments are single-quote delimited, so embedded single quotes in the
// upperdir are doubled.
func (s MountSpec) UnionUpstreams() string {
	return fmt.Sprintf(":union,upstreams='%s :http::ro':", escapeQuotes(s.Upperdir))
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// MountArgs returns the full argument vector for the mount invocation,
// excluding the binary itself.
func (s MountSpec) MountArgs() []string {
	args := []string{
		"mount",
		"--http-url=" + s.HTTPURL,
		s.UnionUpstreams(),
		s.Mountdir,
	}
	return append(args, s.PassthroughFlags...)
}

// MountCommand builds the mount process. Stdout and stderr are passed through
// so rclone's own diagnostics stay visible; the caller starts and supervises
// the command.
func (t *Tool) MountCommand(ctx context.Context, spec MountSpec) *exec.Cmd {
	args := spec.MountArgs()
	logging.Debug("mount command", zap.String("binary", t.Binary), zap.Strings("args", args))
	cmd := exec.CommandContext(ctx, t.Binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}
