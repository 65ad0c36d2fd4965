// Package server runs the PathVault daemon from the CLI.
package server

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	ftpserver "github.com/fclairamb/ftpserverlib"

	"pathvault/internal/activity"
	"pathvault/internal/config"
	"pathvault/internal/daemon"
	"pathvault/internal/logging"
	"pathvault/internal/store"
	"pathvault/internal/version"
)

type Options struct {
	ConfigPath string
	LogLevel   string
	LogJSON    bool

	DBPath         string
	DataDir        string
	DefaultRoot    string
	HostKeyPath    string
	IdleTimeoutSec int
	PassivePorts   string
	PublicHost     string
}

func Run(args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	var opt Options
	var showVersion bool
	fs.StringVar(&opt.ConfigPath, "config", "", "path to pathvault.yaml (when set, other flags are ignored)")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&opt.LogLevel, "log-level", "info", "log level: debug|info|warn|error")
	fs.BoolVar(&opt.LogJSON, "log-json", false, "emit JSON log records")
	fs.StringVar(&opt.DBPath, "db", "./data/pathvault.db", "sqlite database path")
	fs.StringVar(&opt.DataDir, "data-dir", "./data", "data directory")
	fs.StringVar(&opt.DefaultRoot, "default-root", "", "directory served to users with no virtual paths (defaults to data dir)")
	fs.StringVar(&opt.HostKeyPath, "host-key", "./data/ssh_host_key", "SSH host key path for SFTP listeners")
	fs.IntVar(&opt.IdleTimeoutSec, "idle-timeout", 300, "session idle timeout in seconds")
	fs.StringVar(&opt.PassivePorts, "ftp-passive-ports", "50000-50100", "passive data port range start-end")
	fs.StringVar(&opt.PublicHost, "ftp-public-host", "", "public IP to advertise in PASV responses")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("pathvault server %s\n", version.Version)
		return nil
	}

	if opt.ConfigPath != "" {
		c, err := config.Load(opt.ConfigPath)
		if err != nil {
			return err
		}
		base := filepath.Dir(opt.ConfigPath)
		opt.LogLevel = c.Log.Level
		opt.DBPath = resolvePath(base, c.DB.Path)
		opt.DataDir = resolvePath(base, c.DataDir)
		opt.DefaultRoot = resolvePath(base, c.DefaultRoot)
		opt.HostKeyPath = resolvePath(base, c.SFTP.HostKeyPath)
		opt.IdleTimeoutSec = c.IdleTimeoutSec
		opt.PassivePorts = c.FTP.PassivePorts
		opt.PublicHost = c.FTP.PublicHost
	}
	if opt.DefaultRoot == "" {
		opt.DefaultRoot = opt.DataDir
	}

	logger, err := logging.Setup(opt.LogLevel, opt.LogJSON, nil)
	if err != nil {
		return err
	}

	start, end, err := parseRange(opt.PassivePorts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, opt.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	logger.Info("pathvault starting", "version", version.Version, "db", opt.DBPath)

	return daemon.Run(ctx, daemon.Options{
		DB:           db,
		Reporter:     activity.New(db, logger),
		HostKeyPath:  opt.HostKeyPath,
		DefaultRoot:  opt.DefaultRoot,
		IdleTimeout:  time.Duration(opt.IdleTimeoutSec) * time.Second,
		PassivePorts: &ftpserver.PortRange{Start: start, End: end},
		PublicHost:   opt.PublicHost,
		Logger:       logger,
	})
}

func parseRange(s string) (int, int, error) {
	var start, end int
	if _, err := fmt.Sscanf(s, "%d-%d", &start, &end); err != nil {
		return 0, 0, fmt.Errorf("passive port range %q: %w", s, err)
	}
	if start <= 0 || end > 65535 || end < start {
		return 0, 0, fmt.Errorf("passive port range %q: out of range", s)
	}
	return start, end, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
