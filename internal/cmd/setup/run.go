// Package setup initializes a PathVault installation: database schema, SSH
// host key, and optionally a first listener.
package setup

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"pathvault/internal/store"
)

type Options struct {
	DBPath   string
	DataDir  string
	Listener string // "name:protocol:bind:port", optional
}

func Run(args []string) error {
	fs := flag.NewFlagSet("setup", flag.ContinueOnError)
	var opt Options
	fs.StringVar(&opt.DBPath, "db", "./data/pathvault.db", "sqlite database path")
	fs.StringVar(&opt.DataDir, "data-dir", "./data", "data directory (host key, default root)")
	fs.StringVar(&opt.Listener, "listener", "", "seed listener as name:protocol:bind:port (e.g. main:SFTP:127.0.0.1:2022)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return run(context.Background(), opt)
}

func run(ctx context.Context, opt Options) error {
	if opt.DBPath == "" {
		return errors.New("db path is required")
	}
	if opt.DataDir == "" {
		return errors.New("data-dir is required")
	}
	if err := os.MkdirAll(filepath.Dir(opt.DBPath), 0o700); err != nil {
		return err
	}
	if err := os.MkdirAll(opt.DataDir, 0o700); err != nil {
		return err
	}

	d, err := store.Open(ctx, opt.DBPath)
	if err != nil {
		return err
	}
	defer d.Close()
	_ = os.Chmod(opt.DBPath, 0o600)

	hostKeyPath := filepath.Join(opt.DataDir, "ssh_host_key")
	if err := ensureSSHHostKey(hostKeyPath); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "host key: %s\n", hostKeyPath)

	if opt.Listener != "" {
		l, err := parseListener(opt.Listener)
		if err != nil {
			return err
		}
		id, err := d.CreateListener(ctx, l)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "listener %q created (id %d)\n", l.Name, id)
	}
	return nil
}

// parseListener splits a name:protocol:bind:port seed argument.
func parseListener(s string) (store.Listener, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return store.Listener{}, fmt.Errorf("listener %q: want name:protocol:bind:port", s)
	}
	var port int
	if _, err := fmt.Sscanf(parts[3], "%d", &port); err != nil {
		return store.Listener{}, fmt.Errorf("listener %q: bad port", s)
	}
	proto := strings.ToUpper(parts[1])
	if proto != store.ProtocolFTP && proto != store.ProtocolSFTP {
		return store.Listener{}, fmt.Errorf("listener %q: protocol must be FTP or SFTP", s)
	}
	return store.Listener{
		Name:     parts[0],
		Protocol: proto,
		BindIP:   parts[2],
		Port:     port,
		Enabled:  true,
	}, nil
}

// ensureSSHHostKey generates an ed25519 host key when none exists, and
// verifies the existing one parses when it does.
func ensureSSHHostKey(path string) error {
	if fileExists(path) {
		_, err := loadSigner(path)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return err
	}
	_, err = loadSigner(path)
	return err
}

func loadSigner(path string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(b)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
