package sftpd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"

	"pathvault/internal/access"
	"pathvault/internal/activity"
	"pathvault/internal/fsutil"
	"pathvault/internal/store"
	"pathvault/internal/vpath"
)

type sessionConfig struct {
	id             string
	user           *store.User
	listenerID     int64
	remoteAddr     string
	db             *store.DB
	reporter       *activity.Reporter
	logger         *slog.Logger
	defaultRoot    string
	idleTimeout    time.Duration
	closeTransport func()
}

// session is the per-connection protocol state machine. It owns every open
// file and directory cursor; all of them are released in close, whether the
// client disconnected, errored, or was idle-timed out.
type session struct {
	id          string
	user        *store.User
	listenerID  int64
	remoteAddr  string
	db          *store.DB
	reporter    *activity.Reporter
	logger      *slog.Logger
	defaultRoot string

	idle           time.Duration
	closeTransport func()

	mu      sync.Mutex
	timer   *time.Timer
	handles map[uint64]*handle
	nextID  uint64
	closed  bool
}

// handle is the tagged variant behind every opaque token: exactly one of file
// or dir is set.
type handle struct {
	id   uint64
	file *os.File
	dir  *dirCursor
}

func newSession(cfg sessionConfig) *session {
	s := &session{
		id:             cfg.id,
		user:           cfg.user,
		listenerID:     cfg.listenerID,
		remoteAddr:     cfg.remoteAddr,
		db:             cfg.db,
		reporter:       cfg.reporter,
		logger:         cfg.logger,
		defaultRoot:    cfg.defaultRoot,
		idle:           cfg.idleTimeout,
		closeTransport: cfg.closeTransport,
		handles:        make(map[uint64]*handle),
	}
	if s.idle > 0 && s.closeTransport != nil {
		s.timer = time.AfterFunc(s.idle, s.expire)
	}
	return s
}

// touch re-arms the idle timer. Called on every filesystem-touching operation.
func (s *session) touch() {
	s.mu.Lock()
	if s.timer != nil && !s.closed {
		s.timer.Reset(s.idle)
	}
	s.mu.Unlock()
}

func (s *session) expire() {
	s.logger.Info("session idle timeout, closing transport", "session_id", s.id, "user", s.user.Username)
	s.closeTransport()
}

// close tears the session down: the idle timer is stopped and every handle
// still in the table is released. Safe to call more than once.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	leftovers := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		leftovers = append(leftovers, h)
	}
	s.handles = make(map[uint64]*handle)
	s.mu.Unlock()

	for _, h := range leftovers {
		if h.file != nil {
			_ = h.file.Close()
		}
	}
}

func (s *session) track(h *handle) uint64 {
	s.mu.Lock()
	s.nextID++
	h.id = s.nextID
	s.handles[h.id] = h
	s.mu.Unlock()
	return h.id
}

func (s *session) forget(id uint64) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

// report emits one activity record bound to this session's listener.
func (s *session) report(action, path string, success bool) {
	lid := s.listenerID
	s.reporter.Log(context.Background(), &lid, s.user.Username, action, path, success)
}

// freshPermission loads the listener permission record for this decision.
// Permissions are never cached across requests.
func (s *session) freshPermission(ctx context.Context) (*store.Permission, error) {
	perm, ok, err := s.db.GetPermission(ctx, s.user.ID, s.listenerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return perm, nil
}

// gate resolves a virtual path and decides the action against it. A denial is
// reported before the protocol error is returned; resolution failures map to
// protocol statuses.
func (s *session) gate(ctx context.Context, a access.Action, raw string) (vpath.Match, error) {
	entries, err := s.db.VirtualPathsForUser(ctx, s.user.ID)
	if err != nil {
		return vpath.Match{}, sftp.ErrSSHFxFailure
	}
	m, err := vpath.Resolve(entries, s.defaultRoot, raw)
	if err != nil {
		if errors.Is(err, vpath.ErrNoMatch) {
			return vpath.Match{}, sftp.ErrSSHFxNoSuchFile
		}
		if errors.Is(err, fsutil.ErrPathTraversal) {
			s.report(activity.Denied(a.String()), raw, false)
			return vpath.Match{}, sftp.ErrSSHFxPermissionDenied
		}
		return vpath.Match{}, sftp.ErrSSHFxFailure
	}
	perm, err := s.freshPermission(ctx)
	if err != nil {
		return vpath.Match{}, sftp.ErrSSHFxFailure
	}
	if !access.Allowed(a, m.Entry, perm) {
		s.report(activity.Denied(a.String()), m.Virtual, false)
		return vpath.Match{}, sftp.ErrSSHFxPermissionDenied
	}
	return m, nil
}

// resolve maps a path without any permission decision, for metadata probes.
func (s *session) resolve(ctx context.Context, raw string) (vpath.Match, error) {
	entries, err := s.db.VirtualPathsForUser(ctx, s.user.ID)
	if err != nil {
		return vpath.Match{}, sftp.ErrSSHFxFailure
	}
	m, err := vpath.Resolve(entries, s.defaultRoot, raw)
	if err != nil {
		if errors.Is(err, vpath.ErrNoMatch) {
			return vpath.Match{}, sftp.ErrSSHFxNoSuchFile
		}
		if errors.Is(err, fsutil.ErrPathTraversal) {
			return vpath.Match{}, sftp.ErrSSHFxPermissionDenied
		}
		return vpath.Match{}, sftp.ErrSSHFxFailure
	}
	return m, nil
}

// protoErr maps OS failures onto SFTP statuses.
func protoErr(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return sftp.ErrSSHFxNoSuchFile
	case errors.Is(err, os.ErrPermission):
		return sftp.ErrSSHFxPermissionDenied
	default:
		return sftp.ErrSSHFxFailure
	}
}

// Fileread opens a file for reading. The read permission is checked here, at
// open time; individual read packets are not re-gated.
func (s *session) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	s.touch()
	ctx := context.Background()

	m, err := s.gate(ctx, access.Read, r.Filepath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(m.Physical)
	if err != nil {
		s.report(activity.Failed("READ"), m.Virtual, false)
		return nil, protoErr(err)
	}
	h := &handle{file: f}
	s.track(h)
	s.report("READ", m.Virtual, true)
	return &trackedFile{sess: s, h: h}, nil
}

// Filewrite opens a file for writing. The open is gated by the path-scoped bit
// for the flag-derived action; each subsequent write packet re-checks only the
// listener-scoped edit-or-append bit, since the packet carries no path.
func (s *session) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	s.touch()
	ctx := context.Background()

	pf := r.Pflags()
	action := access.Edit
	switch {
	case pf.Append:
		action = access.Append
	case pf.Creat:
		action = access.Create
	}

	m, err := s.gate(ctx, action, r.Filepath)
	if err != nil {
		return nil, err
	}

	flags := os.O_WRONLY
	if pf.Read && pf.Write {
		flags = os.O_RDWR
	}
	if pf.Creat {
		flags |= os.O_CREATE
	}
	if pf.Trunc {
		flags |= os.O_TRUNC
	}
	if pf.Excl {
		flags |= os.O_EXCL
	}

	// No O_APPEND: WriterAt carries explicit offsets.
	f, err := os.OpenFile(m.Physical, flags, 0o600)
	if err != nil {
		s.report(activity.Failed("WRITE"), m.Virtual, false)
		return nil, protoErr(err)
	}
	h := &handle{file: f}
	s.track(h)
	s.report("WRITE", m.Virtual, true)
	return &trackedFile{sess: s, h: h, virtual: m.Virtual, gateWrites: true}, nil
}

// Filecmd handles mutations: rename, remove, rmdir, mkdir, setstat.
func (s *session) Filecmd(r *sftp.Request) error {
	s.touch()
	ctx := context.Background()

	switch r.Method {
	case "Rename":
		// The decision must hold independently at both endpoints.
		src, err := s.gate(ctx, access.Rename, r.Filepath)
		if err != nil {
			return err
		}
		dst, err := s.gate(ctx, access.Rename, r.Target)
		if err != nil {
			return err
		}
		if err := os.Rename(src.Physical, dst.Physical); err != nil {
			s.report(activity.Failed("RENAME"), src.Virtual, false)
			return protoErr(err)
		}
		s.report("RENAME", src.Virtual+" -> "+dst.Virtual, true)
		return nil

	case "Remove":
		m, err := s.gate(ctx, access.Delete, r.Filepath)
		if err != nil {
			return err
		}
		if err := os.Remove(m.Physical); err != nil {
			s.report(activity.Failed("DELETE"), m.Virtual, false)
			return protoErr(err)
		}
		s.report("DELETE", m.Virtual, true)
		return nil

	case "Rmdir":
		m, err := s.gate(ctx, access.Delete, r.Filepath)
		if err != nil {
			return err
		}
		if err := os.Remove(m.Physical); err != nil {
			s.report(activity.Failed("DELETE"), m.Virtual, false)
			return protoErr(err)
		}
		s.report("DELETE", m.Virtual, true)
		return nil

	case "Mkdir":
		m, err := s.gate(ctx, access.CreateDir, r.Filepath)
		if err != nil {
			return err
		}
		if err := os.Mkdir(m.Physical, 0o700); err != nil {
			s.report(activity.Failed("MKDIR"), m.Virtual, false)
			return protoErr(err)
		}
		s.report("MKDIR", m.Virtual, true)
		return nil

	case "Setstat":
		m, err := s.gate(ctx, access.Edit, r.Filepath)
		if err != nil {
			return err
		}
		if err := s.setstat(r, m.Physical); err != nil {
			s.report(activity.Failed("WRITE"), m.Virtual, false)
			return protoErr(err)
		}
		s.report("WRITE", m.Virtual, true)
		return nil

	case "Link", "Symlink":
		return sftp.ErrSSHFxOpUnsupported

	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

func (s *session) setstat(r *sftp.Request, physical string) error {
	attrs := r.Attributes()
	flags := r.AttrFlags()
	if flags.UidGid {
		return errors.New("chown not supported")
	}
	if flags.Permissions {
		if err := os.Chmod(physical, attrs.FileMode()); err != nil {
			return err
		}
	}
	if flags.Acmodtime {
		if err := os.Chtimes(physical, attrs.AccessTime(), attrs.ModTime()); err != nil {
			return err
		}
	}
	if flags.Size {
		if err := os.Truncate(physical, int64(attrs.Size)); err != nil {
			return err
		}
	}
	return nil
}

// Filelist serves directory listings and metadata probes. The list permission
// is checked once when the directory is opened, not on every read of the
// handle. The listing itself is snapshotted at open: later changes to the
// physical directory are invisible to this handle. Stat and Lstat carry no
// permission check.
func (s *session) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	s.touch()
	ctx := context.Background()

	switch r.Method {
	case "List":
		m, err := s.gate(ctx, access.List, r.Filepath)
		if err != nil {
			return nil, err
		}
		snapshot, err := snapshotDir(m.Physical)
		if err != nil {
			s.report(activity.Failed("LIST"), m.Virtual, false)
			return nil, protoErr(err)
		}
		cur := &dirCursor{virtual: m.Virtual, physical: m.Physical, snapshot: snapshot}
		h := &handle{dir: cur}
		s.track(h)
		s.report("LIST", m.Virtual, true)
		return cur, nil

	case "Stat":
		m, err := s.resolve(ctx, r.Filepath)
		if err != nil {
			return nil, err
		}
		fi, err := os.Stat(m.Physical)
		if err != nil {
			return nil, protoErr(err)
		}
		return singleLister{fi}, nil

	case "Lstat":
		m, err := s.resolve(ctx, r.Filepath)
		if err != nil {
			return nil, err
		}
		fi, err := os.Lstat(m.Physical)
		if err != nil {
			return nil, protoErr(err)
		}
		return singleLister{fi}, nil

	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

func snapshotDir(physical string) ([]os.FileInfo, error) {
	ents, err := os.ReadDir(physical)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(ents))
	for _, e := range ents {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, fi)
	}
	return infos, nil
}

// trackedFile wraps an open file so that reads and writes re-arm the idle
// timer, write packets re-check the listener write bit, and closing removes
// the handle from the session table.
type trackedFile struct {
	sess       *session
	h          *handle
	virtual    string
	gateWrites bool
}

func (t *trackedFile) ReadAt(p []byte, off int64) (int, error) {
	t.sess.touch()
	return t.h.file.ReadAt(p, off)
}

func (t *trackedFile) WriteAt(p []byte, off int64) (int, error) {
	t.sess.touch()
	if t.gateWrites {
		perm, err := t.sess.freshPermission(context.Background())
		if err != nil {
			return 0, sftp.ErrSSHFxFailure
		}
		if !access.ListenerWriteAllowed(perm) {
			t.sess.report(activity.Denied("WRITE"), t.virtual, false)
			return 0, sftp.ErrSSHFxPermissionDenied
		}
	}
	return t.h.file.WriteAt(p, off)
}

func (t *trackedFile) Close() error {
	t.sess.forget(t.h.id)
	return t.h.file.Close()
}

// dirCursor holds the filename snapshot taken when a directory handle was
// opened. Delivery is offset-paged; the snapshot itself never changes, so the
// client sees each entry exactly once and then EOF, no matter how the physical
// directory mutates underneath.
type dirCursor struct {
	virtual  string
	physical string
	snapshot []os.FileInfo
}

func (c *dirCursor) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset < 0 || offset >= int64(len(c.snapshot)) {
		return 0, io.EOF
	}
	n := copy(dst, c.snapshot[offset:])
	if int64(n)+offset >= int64(len(c.snapshot)) {
		return n, io.EOF
	}
	return n, nil
}

// singleLister adapts one FileInfo to the lister contract for stat replies.
type singleLister []os.FileInfo

func (l singleLister) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[offset:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}
