package ftpd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pathvault/internal/activity"
	"pathvault/internal/store"
)

type fixture struct {
	t    *testing.T
	db   *store.DB
	fs   *FS
	root string
	recs <-chan store.ActivityRecord
	uid  int64
	lid  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "pathvault.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	uid, err := db.CreateUser(ctx, "tester", "x", true, "", false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	lid, err := db.CreateListener(ctx, store.Listener{
		Name: "ftp-test", Protocol: store.ProtocolFTP, BindIP: "127.0.0.1", Port: 2121, Enabled: true,
	})
	if err != nil {
		t.Fatalf("create listener: %v", err)
	}
	if err := db.SubscribeUser(ctx, lid, uid); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rep := activity.New(db, logger)
	recs := rep.Subscribe(32)

	u, _, err := db.GetUserByUsername(ctx, "tester")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}

	root := t.TempDir()
	fs := newFS(fsConfig{user: u, listenerID: lid, db: db, reporter: rep, defaultRoot: root})
	return &fixture{t: t, db: db, fs: fs, root: root, recs: recs, uid: uid, lid: lid}
}

// addRoot maps "/" onto the fixture root with the given path bits.
func (f *fixture) addRoot(vp store.VirtualPath) {
	f.t.Helper()
	vp.UserID = f.uid
	vp.VirtualPath = "/"
	vp.LocalPath = f.root
	vp.ApplySubdirs = true
	if _, err := f.db.CreateVirtualPath(context.Background(), vp); err != nil {
		f.t.Fatalf("create virtual path: %v", err)
	}
}

func (f *fixture) setPerm(p store.Permission) {
	f.t.Helper()
	p.UserID = f.uid
	p.ListenerID = f.lid
	if err := f.db.SetPermission(context.Background(), p); err != nil {
		f.t.Fatalf("set permission: %v", err)
	}
}

func (f *fixture) nextRecord() store.ActivityRecord {
	f.t.Helper()
	select {
	case rec := <-f.recs:
		return rec
	case <-time.After(time.Second):
		f.t.Fatalf("no activity record received")
		return store.ActivityRecord{}
	}
}

func allPathBits() store.VirtualPath {
	return store.VirtualPath{
		CanRead: true, CanWrite: true, CanAppend: true, CanDelete: true,
		CanList: true, CanCreateDir: true, CanRename: true,
	}
}

func allListenerBits() store.Permission {
	return store.Permission{
		CanRead: true, CanCreate: true, CanEdit: true, CanAppend: true,
		CanDelete: true, CanList: true, CanCreateDir: true, CanRename: true,
	}
}

func TestUploadRecordsWrite(t *testing.T) {
	f := newFixture(t)
	f.addRoot(allPathBits())
	f.setPerm(allListenerBits())

	file, err := f.fs.Create("/report.txt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := file.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	file.Close()

	rec := f.nextRecord()
	if rec.Action != "WRITE" || !rec.Success {
		t.Fatalf("got record %q success=%v, want WRITE success", rec.Action, rec.Success)
	}
	if rec.Path != "/report.txt" {
		t.Fatalf("record path = %q, want virtual path", rec.Path)
	}
	if _, err := os.Stat(filepath.Join(f.root, "report.txt")); err != nil {
		t.Fatalf("file missing on disk: %v", err)
	}
}

func TestWriteDeniedWithoutPathBit(t *testing.T) {
	f := newFixture(t)
	vp := allPathBits()
	vp.CanWrite = false
	f.addRoot(vp)
	f.setPerm(allListenerBits())

	_, err := f.fs.Create("/blocked.txt")
	if !errors.Is(err, os.ErrPermission) {
		t.Fatalf("create err = %v, want permission denied", err)
	}

	rec := f.nextRecord()
	if rec.Action != "WRITE_DENIED" || rec.Success {
		t.Fatalf("got record %q success=%v, want WRITE_DENIED failure", rec.Action, rec.Success)
	}
	if _, err := os.Stat(filepath.Join(f.root, "blocked.txt")); !os.IsNotExist(err) {
		t.Fatalf("denied upload left a file behind")
	}
}

func TestListenerEditAloneSatisfiesWrite(t *testing.T) {
	f := newFixture(t)
	f.addRoot(allPathBits())
	perm := allListenerBits()
	perm.CanCreate = false
	f.setPerm(perm)

	file, err := f.fs.Create("/edit-only.txt")
	if err != nil {
		t.Fatalf("create with edit-only listener bits: %v", err)
	}
	file.Close()
}

func TestWriteDeniedWithoutCreateOrEdit(t *testing.T) {
	f := newFixture(t)
	f.addRoot(allPathBits())
	perm := allListenerBits()
	perm.CanCreate = false
	perm.CanEdit = false
	f.setPerm(perm)

	_, err := f.fs.Create("/no-write.txt")
	if !errors.Is(err, os.ErrPermission) {
		t.Fatalf("create err = %v, want permission denied", err)
	}
	rec := f.nextRecord()
	if rec.Action != "WRITE_DENIED" {
		t.Fatalf("got record %q, want WRITE_DENIED", rec.Action)
	}
}

func TestListGatesDownload(t *testing.T) {
	f := newFixture(t)
	vp := allPathBits()
	vp.CanList = false
	f.addRoot(vp)
	f.setPerm(allListenerBits())

	if err := os.WriteFile(filepath.Join(f.root, "secret.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if _, err := f.fs.Open("/secret.txt"); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("open err = %v, want permission denied", err)
	}
	rec := f.nextRecord()
	if rec.Action != "LIST_DENIED" {
		t.Fatalf("got record %q, want LIST_DENIED", rec.Action)
	}
}

func TestOpenRecordsReadForFilesAndListForDirs(t *testing.T) {
	f := newFixture(t)
	f.addRoot(allPathBits())
	f.setPerm(allListenerBits())

	if err := os.WriteFile(filepath.Join(f.root, "a.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	file, err := f.fs.Open("/a.txt")
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	file.Close()
	if rec := f.nextRecord(); rec.Action != "READ" {
		t.Fatalf("file open recorded %q, want READ", rec.Action)
	}

	dir, err := f.fs.Open("/")
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	dir.Close()
	if rec := f.nextRecord(); rec.Action != "LIST" {
		t.Fatalf("dir open recorded %q, want LIST", rec.Action)
	}
}

func TestDeleteComposesPathAndListenerBits(t *testing.T) {
	f := newFixture(t)
	f.addRoot(allPathBits())
	perm := allListenerBits()
	perm.CanDelete = false
	f.setPerm(perm)

	if err := os.WriteFile(filepath.Join(f.root, "keep.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := f.fs.Remove("/keep.txt"); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("remove err = %v, want permission denied", err)
	}
	if rec := f.nextRecord(); rec.Action != "DELETE_DENIED" {
		t.Fatalf("got record %q, want DELETE_DENIED", rec.Action)
	}
	if _, err := os.Stat(filepath.Join(f.root, "keep.txt")); err != nil {
		t.Fatalf("file should survive denied delete: %v", err)
	}
}

func TestRenameRequiresBothEndpoints(t *testing.T) {
	f := newFixture(t)
	f.addRoot(allPathBits())
	f.setPerm(allListenerBits())

	// A second mapping without the rename bit covers the destination tree.
	noRename := t.TempDir()
	vp := allPathBits()
	vp.CanRename = false
	vp.UserID = f.uid
	vp.VirtualPath = "/frozen"
	vp.LocalPath = noRename
	vp.ApplySubdirs = true
	vp.Position = 1
	if _, err := f.db.CreateVirtualPath(context.Background(), vp); err != nil {
		t.Fatalf("create virtual path: %v", err)
	}

	if err := os.WriteFile(filepath.Join(f.root, "src.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := f.fs.Rename("/src.txt", "/frozen/dst.txt"); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("rename err = %v, want permission denied", err)
	}
	if rec := f.nextRecord(); rec.Action != "RENAME_DENIED" {
		t.Fatalf("got record %q, want RENAME_DENIED", rec.Action)
	}
	if _, err := os.Stat(filepath.Join(f.root, "src.txt")); err != nil {
		t.Fatalf("source should survive denied rename: %v", err)
	}
}

func TestDegradedDefaultRootStillAppliesListenerBits(t *testing.T) {
	f := newFixture(t)
	// No virtual paths configured; the default root serves the session.
	perm := allListenerBits()
	perm.CanList = false
	f.setPerm(perm)

	if _, err := f.fs.Open("/"); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("open err = %v, want permission denied from listener bits", err)
	}

	perm.CanList = true
	f.setPerm(perm)
	dir, err := f.fs.Open("/")
	if err != nil {
		t.Fatalf("open after granting list: %v", err)
	}
	dir.Close()
}

func TestStatCarriesNoPermissionCheck(t *testing.T) {
	f := newFixture(t)
	f.addRoot(store.VirtualPath{}) // every path bit off
	f.setPerm(store.Permission{})  // every listener bit off

	if err := os.WriteFile(filepath.Join(f.root, "meta.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	fi, err := f.fs.Stat("/meta.txt")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Name() != "meta.txt" {
		t.Fatalf("stat name = %q", fi.Name())
	}
}

func TestChmodReportsOutcome(t *testing.T) {
	f := newFixture(t)
	f.addRoot(allPathBits())
	f.setPerm(allListenerBits())

	if err := os.WriteFile(filepath.Join(f.root, "mode.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := f.fs.Chmod("/mode.txt", 0o640); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if rec := f.nextRecord(); rec.Action != "WRITE" || !rec.Success {
		t.Fatalf("got record %q success=%v, want WRITE success", rec.Action, rec.Success)
	}

	if err := f.fs.Chmod("/absent.txt", 0o640); err == nil {
		t.Fatalf("expected chmod on missing file to fail")
	}
	if rec := f.nextRecord(); rec.Action != "WRITE_FAILED" || rec.Success {
		t.Fatalf("got record %q success=%v, want WRITE_FAILED failure", rec.Action, rec.Success)
	}
}

func TestTraversalIsDenied(t *testing.T) {
	f := newFixture(t)
	f.addRoot(allPathBits())
	f.setPerm(allListenerBits())

	if _, err := f.fs.Open("/../outside.txt"); !errors.Is(err, os.ErrPermission) && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("traversal open err = %v, want rejection", err)
	}
}
