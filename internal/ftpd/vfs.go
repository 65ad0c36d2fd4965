package ftpd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"

	"pathvault/internal/access"
	"pathvault/internal/activity"
	"pathvault/internal/fsutil"
	"pathvault/internal/store"
	"pathvault/internal/vpath"
)

// ErrDenied is surfaced to the FTP engine for every permission rejection; it
// wraps os.ErrPermission so the engine answers with a 550.
var ErrDenied = fmt.Errorf("%w: operation not permitted", os.ErrPermission)

type fsConfig struct {
	user        *store.User
	listenerID  int64
	db          *store.DB
	reporter    *activity.Reporter
	defaultRoot string
}

// FS exposes one authenticated user's virtual tree as an afero filesystem.
// Every method resolves the virtual path and re-reads permissions fresh; with
// no configured virtual paths it serves the process default root (degraded
// mode), mirroring the SFTP side.
type FS struct {
	cfg fsConfig
}

func newFS(cfg fsConfig) *FS {
	if cfg.defaultRoot == "" {
		cfg.defaultRoot = "."
	}
	return &FS{cfg: cfg}
}

func (f *FS) Name() string { return "pathvaultfs" }

// report emits one activity record bound to this connection's listener.
func (f *FS) report(action, path string, success bool) {
	lid := f.cfg.listenerID
	f.cfg.reporter.Log(context.Background(), &lid, f.cfg.user.Username, action, path, success)
}

// resolve maps a client path with no permission decision.
func (f *FS) resolve(ctx context.Context, raw string) (vpath.Match, error) {
	entries, err := f.cfg.db.VirtualPathsForUser(ctx, f.cfg.user.ID)
	if err != nil {
		return vpath.Match{}, err
	}
	m, err := vpath.Resolve(entries, f.cfg.defaultRoot, raw)
	if err != nil {
		if errors.Is(err, vpath.ErrNoMatch) {
			return vpath.Match{}, os.ErrNotExist
		}
		if errors.Is(err, fsutil.ErrPathTraversal) {
			return vpath.Match{}, ErrDenied
		}
		return vpath.Match{}, err
	}
	return m, nil
}

// gate resolves and decides one action, logging a denial before it returns.
func (f *FS) gate(ctx context.Context, a access.Action, raw string) (vpath.Match, error) {
	m, err := f.resolve(ctx, raw)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			f.report(activity.Denied(a.String()), raw, false)
		}
		return vpath.Match{}, err
	}
	perm, err := f.permission(ctx)
	if err != nil {
		return vpath.Match{}, err
	}
	if !access.Allowed(a, m.Entry, perm) {
		f.report(activity.Denied(a.String()), m.Virtual, false)
		return vpath.Match{}, ErrDenied
	}
	return m, nil
}

// gateWrite applies the FTP write rule: path-scoped write bit AND, when a
// listener record exists, its create-or-edit bit.
func (f *FS) gateWrite(ctx context.Context, raw string) (vpath.Match, error) {
	m, err := f.resolve(ctx, raw)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			f.report(activity.Denied("WRITE"), raw, false)
		}
		return vpath.Match{}, err
	}
	perm, err := f.permission(ctx)
	if err != nil {
		return vpath.Match{}, err
	}
	if !access.FTPWriteAllowed(m.Entry, perm) {
		f.report(activity.Denied("WRITE"), m.Virtual, false)
		return vpath.Match{}, ErrDenied
	}
	return m, nil
}

// permission loads the listener record fresh for one decision.
func (f *FS) permission(ctx context.Context) (*store.Permission, error) {
	perm, ok, err := f.cfg.db.GetPermission(ctx, f.cfg.user.ID, f.cfg.listenerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return perm, nil
}

// Open serves both directory listings and downloads. One list capability
// governs both: a user who may not list a tree may not fetch from it either.
func (f *FS) Open(name string) (afero.File, error) {
	ctx := context.Background()
	m, err := f.gate(ctx, access.List, name)
	if err != nil {
		return nil, err
	}

	code := "READ"
	if fi, err := os.Stat(m.Physical); err == nil && fi.IsDir() {
		code = "LIST"
	}
	file, err := os.Open(m.Physical)
	if err != nil {
		f.report(activity.Failed(code), m.Virtual, false)
		return nil, err
	}
	f.report(code, m.Virtual, true)
	return file, nil
}

// OpenFile routes to the write gate when any mutating flag is present and to
// the list gate otherwise.
func (f *FS) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	ctx := context.Background()
	writing := flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_APPEND|os.O_TRUNC) != 0
	if !writing {
		return f.Open(name)
	}

	m, err := f.gateWrite(ctx, name)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(m.Physical, flag, perm)
	if err != nil {
		f.report(activity.Failed("WRITE"), m.Virtual, false)
		return nil, err
	}
	f.report("WRITE", m.Virtual, true)
	return file, nil
}

func (f *FS) Create(name string) (afero.File, error) {
	return f.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
}

func (f *FS) Mkdir(name string, perm os.FileMode) error {
	ctx := context.Background()
	m, err := f.gate(ctx, access.CreateDir, name)
	if err != nil {
		return err
	}
	if err := os.Mkdir(m.Physical, perm); err != nil {
		f.report(activity.Failed("MKDIR"), m.Virtual, false)
		return err
	}
	f.report("MKDIR", m.Virtual, true)
	return nil
}

func (f *FS) MkdirAll(path string, perm os.FileMode) error {
	ctx := context.Background()
	m, err := f.gate(ctx, access.CreateDir, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.Physical, perm); err != nil {
		f.report(activity.Failed("MKDIR"), m.Virtual, false)
		return err
	}
	f.report("MKDIR", m.Virtual, true)
	return nil
}

func (f *FS) Remove(name string) error {
	ctx := context.Background()
	m, err := f.gate(ctx, access.Delete, name)
	if err != nil {
		return err
	}
	if err := os.Remove(m.Physical); err != nil {
		f.report(activity.Failed("DELETE"), m.Virtual, false)
		return err
	}
	f.report("DELETE", m.Virtual, true)
	return nil
}

func (f *FS) RemoveAll(path string) error {
	ctx := context.Background()
	m, err := f.gate(ctx, access.Delete, path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(m.Physical); err != nil {
		f.report(activity.Failed("DELETE"), m.Virtual, false)
		return err
	}
	f.report("DELETE", m.Virtual, true)
	return nil
}

// Rename requires the rename decision to hold at both endpoints.
func (f *FS) Rename(oldname, newname string) error {
	ctx := context.Background()
	src, err := f.gate(ctx, access.Rename, oldname)
	if err != nil {
		return err
	}
	dst, err := f.gate(ctx, access.Rename, newname)
	if err != nil {
		return err
	}
	if err := os.Rename(src.Physical, dst.Physical); err != nil {
		f.report(activity.Failed("RENAME"), src.Virtual, false)
		return err
	}
	f.report("RENAME", src.Virtual+" -> "+dst.Virtual, true)
	return nil
}

// Stat is a metadata probe and carries no permission check.
func (f *FS) Stat(name string) (os.FileInfo, error) {
	m, err := f.resolve(context.Background(), name)
	if err != nil {
		return nil, err
	}
	return os.Stat(m.Physical)
}

func (f *FS) Chmod(name string, mode os.FileMode) error {
	ctx := context.Background()
	m, err := f.gate(ctx, access.Edit, name)
	if err != nil {
		return err
	}
	if err := os.Chmod(m.Physical, mode); err != nil {
		f.report(activity.Failed("WRITE"), m.Virtual, false)
		return err
	}
	f.report("WRITE", m.Virtual, true)
	return nil
}

func (f *FS) Chown(name string, uid, gid int) error {
	_ = name
	_ = uid
	_ = gid
	return errors.New("chown not supported")
}

func (f *FS) Chtimes(name string, atime time.Time, mtime time.Time) error {
	ctx := context.Background()
	m, err := f.gate(ctx, access.Edit, name)
	if err != nil {
		return err
	}
	if err := os.Chtimes(m.Physical, atime, mtime); err != nil {
		f.report(activity.Failed("WRITE"), m.Virtual, false)
		return err
	}
	f.report("WRITE", m.Virtual, true)
	return nil
}

// Compile-time interface assertion.
var _ afero.Fs = (*FS)(nil)
