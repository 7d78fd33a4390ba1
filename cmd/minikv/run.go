package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/minikv/internal/cache"
	"github.com/calvinalkan/minikv/internal/config"
	"github.com/calvinalkan/minikv/internal/connpool"
	"github.com/calvinalkan/minikv/internal/logging"
	"github.com/calvinalkan/minikv/internal/server"
	"github.com/calvinalkan/minikv/internal/snapshot"
	"github.com/calvinalkan/minikv/internal/wire"
)

// Run is minikv's entry point, factored out of main so it can be exercised
// with fake args and signals instead of the real process environment.
// out receives non-error output (currently just --help); errOut receives
// flag/startup errors. sigCh may be nil, in which case Run returns only
// once the server exits on its own.
func Run(out, errOut io.Writer, args []string, sigCh <-chan os.Signal) int {
	flags := flag.NewFlagSet("minikv", flag.ContinueOnError)
	flags.SetOutput(&strings.Builder{})
	flags.Usage = func() {}

	flagHelp := flags.BoolP("help", "h", false, "Show help")
	flagPort := flags.IntP("port", "p", 0, "Listen on this TCP port")
	flagConfig := flags.StringP("config", "c", "", "Use specified config file")
	flagSnapshot := flags.String("snapshot", "", "Path to the snapshot file")
	flagLogLevel := flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flagGlobalConfig := flags.String("global-config", "", "Path to a global config file, applied before the project config")
	flagDataDir := flags.String("data-dir", "", "Override the working directory minikv resolves the project config and relative paths against")

	if err := flags.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut)

		return 1
	}

	if *flagHelp {
		printUsage(out)
		return 0
	}

	logger := logging.New(*flagLogLevel)

	workDir := *flagDataDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			fprintln(errOut, "error:", err)
			return 2
		}
	}

	overridden := map[string]bool{
		"port":          flags.Changed("port"),
		"snapshot_path": flags.Changed("snapshot"),
	}

	cfg, err := config.Load(workDir, *flagGlobalConfig, *flagConfig, config.Config{
		Port:         *flagPort,
		SnapshotPath: *flagSnapshot,
	}, overridden)
	if err != nil {
		fprintln(errOut, "error:", err)
		return 2
	}

	if !filepath.IsAbs(cfg.SnapshotPath) {
		cfg.SnapshotPath = filepath.Join(workDir, cfg.SnapshotPath)
	}

	c := cache.New(cfg.DestroyWorkers)
	defer c.Close()

	if err := snapshot.Load(c, cfg.SnapshotPath); err != nil {
		level.Error(logger).Log("msg", "failed to load snapshot", "path", cfg.SnapshotPath, "err", err)
		return 2
	}

	srv, err := server.New(server.Config{
		Port:          cfg.Port,
		IdleTimeoutUs: uint64(cfg.IdleTimeoutMs) * 1000,
		Limits:        wire.Limits{MaxMsg: cfg.MaxMsgBytes, MaxArgs: cfg.MaxArgs},
		PoolLimits: connpool.Limits{
			RbufSize:  cfg.MaxMsgBytes,
			WbufSize:  connpool.DefaultLimits().WbufSize,
			SlotCount: cfg.SlotCount,
		},
	}, c, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to start server", "err", err)
		return 2
	}

	stop := make(chan struct{})
	done := make(chan error, 1)

	go func() { done <- srv.Run(stop) }()

	snapshotInterval := time.Duration(cfg.SnapshotInterval) * time.Millisecond
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if err != nil {
				level.Error(logger).Log("msg", "server exited", "err", err)
				return 2
			}

			saveSnapshot(logger, c, cfg.SnapshotPath)

			return 0

		case <-ticker.C:
			saveSnapshot(logger, c, cfg.SnapshotPath)

		case <-sigCh:
			level.Info(logger).Log("msg", "shutting down")
			close(stop)

			select {
			case <-done:
			case <-time.After(5 * time.Second):
				level.Error(logger).Log("msg", "graceful shutdown timed out")
			}

			saveSnapshot(logger, c, cfg.SnapshotPath)

			return 0
		}
	}
}

func saveSnapshot(logger log.Logger, c *cache.Cache, path string) {
	if err := snapshot.Save(c, path); err != nil {
		level.Error(logger).Log("msg", "snapshot save failed", "path", path, "err", err)
	}
}

func fprintln(w io.Writer, a ...interface{}) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer) {
	fprintln(w, "minikv - in-memory key/value store")
	fprintln(w)
	fprintln(w, "Usage: minikv [flags]")
	fprintln(w)
	fprintln(w, "Flags:")
	fprintln(w, "  -h, --help                Show help")
	fprintln(w, "  -p, --port <n>            Listen on this TCP port")
	fprintln(w, "  -c, --config <file>       Use specified config file")
	fprintln(w, "  --global-config <file>    Path to a global config file")
	fprintln(w, "  --data-dir <dir>          Override the working directory for config/path resolution")
	fprintln(w, "  --snapshot <file>         Path to the snapshot file")
	fprintln(w, "  --log-level <level>       debug, info, warn, error (default info)")
}
