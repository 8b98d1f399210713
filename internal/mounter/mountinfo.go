package mounter

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// MountpointChecker reports whether a path is currently a mount point.
// The production checker is IsMountpoint; tests inject fakes.
type MountpointChecker func(path string) bool

// IsMountpoint reports whether path is an active mount point. The primary
// check compares device IDs with the parent directory, which catches FUSE
// mounts. Bind mounts on the same device are caught by the mountinfo scan.
func IsMountpoint(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	var st, parent unix.Stat_t
	if err := unix.Lstat(abs, &st); err != nil {
		return false
	}
	if err := unix.Lstat(filepath.Dir(abs), &parent); err != nil {
		return false
	}
	if st.Dev != parent.Dev {
		return true
	}
	return inMountinfo(abs)
}

// inMountinfo scans /proc/self/mountinfo for the path. Field 5 is the mount
// point.
func inMountinfo(path string) bool {
	b, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		parts := strings.Split(line, " ")
		if len(parts) < 5 {
			continue
		}
		if unescapeMountinfo(parts[4]) == path {
			return true
		}
	}
	return false
}

// unescapeMountinfo decodes the octal escapes (\040 etc.) the kernel uses
// for whitespace in mount paths.
func unescapeMountinfo(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			oct := s[i+1 : i+4]
			if n, ok := parseOctal(oct); ok {
				out.WriteByte(n)
				i += 3
				continue
			}
		}
		out.WriteByte(s[i])
	}
	return out.String()
}

func parseOctal(s string) (byte, bool) {
	var n int
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '7' {
			return 0, false
		}
		n = n*8 + int(s[i]-'0')
	}
	if n > 255 {
		return 0, false
	}
	return byte(n), true
}
