// Package useradd creates accounts and wires them to listeners from the CLI.
package useradd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"pathvault/internal/auth"
	"pathvault/internal/store"
)

type Options struct {
	DBPath     string
	Username   string
	Password   string
	KeyPath    string
	ListenerID int64
	Root       string
	VirtPath   string
	ReadOnly   bool
}

func Run(args []string) error {
	fs := flag.NewFlagSet("useradd", flag.ContinueOnError)
	var opt Options
	fs.StringVar(&opt.DBPath, "db", "./data/pathvault.db", "sqlite database path")
	fs.StringVar(&opt.Username, "user", "", "username (required)")
	fs.StringVar(&opt.Password, "password", "", "initial password; empty disables password auth")
	fs.StringVar(&opt.KeyPath, "key", "", "authorized_keys-format public key file for SFTP")
	fs.Int64Var(&opt.ListenerID, "listener", 0, "listener id to subscribe the user to")
	fs.StringVar(&opt.Root, "root", "", "physical directory to expose")
	fs.StringVar(&opt.VirtPath, "path", "/", "virtual path prefix mapped onto -root")
	fs.BoolVar(&opt.ReadOnly, "read-only", false, "grant read and list bits only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return run(context.Background(), opt)
}

func run(ctx context.Context, opt Options) error {
	if opt.Username == "" {
		return errors.New("user is required")
	}
	if opt.Password == "" && opt.KeyPath == "" {
		return errors.New("either -password or -key is required")
	}

	d, err := store.Open(ctx, opt.DBPath)
	if err != nil {
		return err
	}
	defer d.Close()

	// An account always carries a hash so lookups take constant time; with no
	// password the stored hash never verifies and password auth is flagged off.
	passwordAuth := opt.Password != ""
	seed := opt.Password
	if seed == "" {
		seed = auth.RandomSecret()
	}
	hash, err := auth.HashPassword(seed, auth.DefaultParams())
	if err != nil {
		return err
	}

	var pubKey string
	if opt.KeyPath != "" {
		b, err := os.ReadFile(opt.KeyPath)
		if err != nil {
			return err
		}
		pubKey = strings.TrimSpace(string(b))
	}

	uid, err := d.CreateUser(ctx, opt.Username, hash, passwordAuth, pubKey, false)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "user %q created (id %d)\n", opt.Username, uid)

	if opt.ListenerID > 0 {
		if err := d.SubscribeUser(ctx, opt.ListenerID, uid); err != nil {
			return err
		}
		perm := fullPermission(uid, opt.ListenerID)
		if opt.ReadOnly {
			perm = readOnlyPermission(uid, opt.ListenerID)
		}
		if err := d.SetPermission(ctx, perm); err != nil {
			return err
		}
	}

	if opt.Root != "" {
		vp := store.VirtualPath{
			UserID:       uid,
			VirtualPath:  opt.VirtPath,
			LocalPath:    opt.Root,
			CanRead:      true,
			CanList:      true,
			ApplySubdirs: true,
		}
		if !opt.ReadOnly {
			vp.CanWrite = true
			vp.CanAppend = true
			vp.CanDelete = true
			vp.CanCreateDir = true
			vp.CanRename = true
		}
		if _, err := d.CreateVirtualPath(ctx, vp); err != nil {
			return err
		}
	}
	return nil
}

func fullPermission(uid, lid int64) store.Permission {
	return store.Permission{
		UserID: uid, ListenerID: lid,
		CanRead: true, CanCreate: true, CanEdit: true, CanAppend: true,
		CanDelete: true, CanList: true, CanCreateDir: true, CanRename: true,
	}
}

func readOnlyPermission(uid, lid int64) store.Permission {
	return store.Permission{
		UserID: uid, ListenerID: lid,
		CanRead: true, CanList: true,
	}
}
