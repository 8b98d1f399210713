// pathmap presents remote files reachable through rclone as read-only
// entries inside a combined writable directory tree.
//
// An rclone-compatible http backend is served on the fly over the configured
// path mapping (the lowerdir), and rclone's union backend joins it with a
// writable upperdir for read-write access.
//
// Sub-commands:
//
//	pathmap serve [flags]                      Serve the mapping over HTTP (no mount)
//	pathmap mount [flags] UPPERDIR [MOUNTDIR] [rclone flags...]
//	                                           Mount the merged view
//	pathmap version                            Print version
//
// Example:
//
//	pathmap mount ':s3,env_auth=True:workbucket/workdir' mnt << END
//	/input-file-1: ":s3,env_auth=True:mybucket/mybigfile"
//	/input-file-2: ":ftp,host=ftp.example.com:myftp/file"
//	END
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sly67/pathmap/internal/config"
	"github.com/sly67/pathmap/internal/httpfs"
	"github.com/sly67/pathmap/internal/logging"
	"github.com/sly67/pathmap/internal/metadata"
	"github.com/sly67/pathmap/internal/metrics"
	"github.com/sly67/pathmap/internal/mounter"
	"github.com/sly67/pathmap/internal/pathmap"
	"github.com/sly67/pathmap/internal/rclone"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "mount":
		cmdMount(os.Args[2:])
	case "version":
		fmt.Println("pathmap " + version)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `pathmap - overlay mounts over rclone path mappings

Usage:
  pathmap serve [-config FILE] [-listen HOST:PORT] [-metrics ADDR]
  pathmap mount [-config FILE] [-timeout D] UPPERDIR [MOUNTDIR] [rclone flags...]
  pathmap version

The mapping document is flat YAML of "virtual path: rclone remote" pairs,
read from -config (default: standard input).
`)
}

// commonFlags registers the flags shared by serve and mount.
type commonFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	cacheSize  int
	rcloneBin  string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "-", "Mapping document (yaml), - for stdin")
	fs.StringVar(&c.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&c.logFormat, "log-format", "console", "Log format: console, json")
	fs.IntVar(&c.cacheSize, "cache-size", 0, "Metadata cache entry bound (0 = unbounded)")
	fs.StringVar(&c.rcloneBin, "rclone", "rclone", "rclone binary to invoke")
}

func (c *commonFlags) initLogging() {
	if err := logging.Init(logging.Config{Level: c.logLevel, Format: c.logFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		os.Exit(1)
	}
}

// buildServer loads the mapping and assembles the virtual filesystem server.
func buildServer(c *commonFlags) (*httpfs.Server, *rclone.Tool, error) {
	mapping, err := config.LoadMappingFile(c.configPath)
	if err != nil {
		return nil, nil, err
	}

	index := pathmap.Build(mapping)
	logging.Info("path index built",
		zap.Int("files", index.Len()),
		zap.Int("directories", index.Listings()))

	tool := rclone.New(c.rcloneBin)
	cache := metadata.New(tool, c.cacheSize)
	return httpfs.NewServer(index, cache, tool, ""), tool, nil
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	listen := fs.String("listen", "localhost:8080", "hostname:port to listen on")
	metricsAddr := fs.String("metrics", "", "Prometheus metrics listen address (empty = disabled)")
	fs.Parse(args)

	common.initLogging()
	defer logging.Sync()

	server, _, err := buildServer(&common)
	if err != nil {
		logging.Fatal("configuration error", zap.Error(err))
	}

	runner, err := httpfs.Listen(server.Handler(), *listen)
	if err != nil {
		logging.Fatal("listen failed", zap.Error(err))
	}
	logging.Info("serving mapping", zap.String("addr", runner.Addr()))

	if *metricsAddr != "" {
		go func() {
			logging.Info("metrics listening", zap.String("addr", *metricsAddr))
			if err := http.ListenAndServe(*metricsAddr, metrics.Handler()); err != nil {
				logging.Error("metrics server terminated", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runner.Close(ctx); err != nil {
		logging.Warn("shutdown error", zap.Error(err))
	}
}

// resolveMountArgs splits the mount command's positional arguments into
// upperdir, optional mountdir, and rclone passthrough flags. The second
// argument is a passthrough flag only when it starts with "-"; any other
// value names the mount point and must be an existing directory, so a
// mistyped path is an error rather than a silently forwarded flag. An
// empty mountdir means a session-owned temporary directory.
func resolveMountArgs(rest []string) (upperdir, mountdir string, passthrough []string, err error) {
	if len(rest) < 1 {
		return "", "", nil, errors.New("UPPERDIR argument required")
	}
	upperdir = rest[0]
	if info, statErr := os.Stat(upperdir); statErr != nil || !info.IsDir() {
		return "", "", nil, fmt.Errorf("upperdir %q is not an existing directory", upperdir)
	}

	passthrough = rest[1:]
	if len(rest) > 1 && !strings.HasPrefix(rest[1], "-") {
		if info, statErr := os.Stat(rest[1]); statErr != nil || !info.IsDir() {
			return "", "", nil, fmt.Errorf("mountdir %q is not an existing directory", rest[1])
		}
		mountdir = rest[1]
		passthrough = rest[2:]
	}
	return upperdir, mountdir, passthrough, nil
}

func cmdMount(args []string) {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	mountTimeout := fs.Duration("timeout", 60*time.Second, "Max wait for the mount to appear (0 = unbounded)")
	pollInterval := fs.Duration("poll-interval", time.Second, "Mount liveness poll interval")
	fs.Parse(args)

	common.initLogging()
	defer logging.Sync()

	upperdir, mountdir, passthrough, err := resolveMountArgs(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "mount: %v\n", err)
		fs.Usage()
		os.Exit(2)
	}

	if *mountTimeout == 0 {
		*mountTimeout = mounter.NoMountTimeout
	}

	server, tool, err := buildServer(&common)
	if err != nil {
		logging.Fatal("configuration error", zap.Error(err))
	}

	runner, err := httpfs.ListenLoopback(server.Handler())
	if err != nil {
		logging.Fatal("listen failed", zap.Error(err))
	}
	logging.Info("lowerdir server bound", zap.String("addr", runner.Addr()))

	session, err := mounter.Mount(context.Background(), runner, mounter.Options{
		Upperdir:         upperdir,
		Mountdir:         mountdir,
		PassthroughFlags: passthrough,
		PollInterval:     *pollInterval,
		MountTimeout:     *mountTimeout,
		Tool:             tool,
	})
	if err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		runner.Close(ctx)
		logging.Error("mount failed", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}

	fmt.Println(session.MountPoint())
	logging.Info("mounted", zap.String("mountpoint", session.MountPoint()))
	logging.Info("press Ctrl+C to unmount and exit")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	childDone := make(chan struct{})
	go func() {
		session.Wait()
		close(childDone)
	}()

	select {
	case <-sigCh:
		logging.Info("unmounting")
	case <-childDone:
		logging.Info("mount process exited")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := session.Close(ctx); err != nil {
		logging.Warn("teardown error", zap.Error(err))
	}
}
