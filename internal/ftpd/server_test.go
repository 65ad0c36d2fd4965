package ftpd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"pathvault/internal/activity"
	"pathvault/internal/auth"
	"pathvault/internal/store"
)

const testPassword = "open sesame"

type authFixture struct {
	t    *testing.T
	drv  *mainDriver
	db   *store.DB
	recs <-chan store.ActivityRecord
	uid  int64
	lid  int64
}

// newAuthFixture builds a driver for a listener with one user "tester" whose
// password is testPassword. Subscription and the PasswordAuth flag are under
// the caller's control.
func newAuthFixture(t *testing.T, subscribed, passwordAuth bool) *authFixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	hash, err := auth.HashPassword(testPassword, auth.DefaultParams())
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	uid, err := db.CreateUser(ctx, "tester", hash, passwordAuth, "", false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	lid, err := db.CreateListener(ctx, store.Listener{
		Name: "ftp-auth", Protocol: store.ProtocolFTP, BindIP: "127.0.0.1", Port: 2121, Enabled: true,
	})
	if err != nil {
		t.Fatalf("create listener: %v", err)
	}
	if subscribed {
		if err := db.SubscribeUser(ctx, lid, uid); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rep := activity.New(db, logger)
	recs := rep.Subscribe(16)

	l, err := db.ListListeners(ctx, true)
	if err != nil || len(l) != 1 {
		t.Fatalf("load listener: %v", err)
	}
	drv := &mainDriver{
		opt:    Options{Listener: l[0], DB: db, Reporter: rep, DefaultRoot: t.TempDir()},
		logger: logger,
	}
	return &authFixture{t: t, drv: drv, db: db, recs: recs, uid: uid, lid: lid}
}

func (f *authFixture) nextRecord() store.ActivityRecord {
	f.t.Helper()
	select {
	case rec := <-f.recs:
		return rec
	case <-time.After(time.Second):
		f.t.Fatalf("no activity record received")
		return store.ActivityRecord{}
	}
}

const authRemote = "192.0.2.10:54321"

func TestFTPLoginSuccess(t *testing.T) {
	f := newAuthFixture(t, true, true)

	u, err := f.drv.authenticate(context.Background(), "tester", testPassword, authRemote)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if u.ID != f.uid {
		t.Fatalf("wrong user returned: %d", u.ID)
	}

	rec := f.nextRecord()
	if rec.Action != "LOGIN" || !rec.Success {
		t.Fatalf("got record %q success=%v, want LOGIN success", rec.Action, rec.Success)
	}
	if rec.Path != authRemote {
		t.Fatalf("record path = %q, want remote address", rec.Path)
	}
	if rec.ListenerID == nil || *rec.ListenerID != f.lid {
		t.Fatalf("record not bound to listener: %v", rec.ListenerID)
	}
}

func TestFTPLoginUnknownUser(t *testing.T) {
	f := newAuthFixture(t, true, true)

	_, err := f.drv.authenticate(context.Background(), "nobody", testPassword, authRemote)
	if !errors.Is(err, errAccessDenied) {
		t.Fatalf("err = %v, want access denied", err)
	}
	rec := f.nextRecord()
	if rec.Action != "LOGIN_DENIED" || rec.Success {
		t.Fatalf("got record %q success=%v, want LOGIN_DENIED failure", rec.Action, rec.Success)
	}
	if rec.Path != authRemote {
		t.Fatalf("record path = %q, want remote address", rec.Path)
	}
}

func TestFTPLoginWrongPassword(t *testing.T) {
	f := newAuthFixture(t, true, true)

	_, err := f.drv.authenticate(context.Background(), "tester", "guess", authRemote)
	if !errors.Is(err, errAccessDenied) {
		t.Fatalf("err = %v, want access denied", err)
	}
	if rec := f.nextRecord(); rec.Action != "LOGIN_DENIED" {
		t.Fatalf("got record %q, want LOGIN_DENIED", rec.Action)
	}
}

func TestFTPLoginRequiresSubscription(t *testing.T) {
	f := newAuthFixture(t, false, true)

	// Correct password, but the user is not subscribed to this listener.
	_, err := f.drv.authenticate(context.Background(), "tester", testPassword, authRemote)
	if !errors.Is(err, errAccessDenied) {
		t.Fatalf("err = %v, want access denied", err)
	}
	if rec := f.nextRecord(); rec.Action != "LOGIN_DENIED" {
		t.Fatalf("got record %q, want LOGIN_DENIED", rec.Action)
	}
}

func TestFTPLoginRespectsPasswordAuthFlag(t *testing.T) {
	f := newAuthFixture(t, true, false)

	_, err := f.drv.authenticate(context.Background(), "tester", testPassword, authRemote)
	if !errors.Is(err, errAccessDenied) {
		t.Fatalf("err = %v, want access denied", err)
	}
	if rec := f.nextRecord(); rec.Action != "LOGIN_DENIED" {
		t.Fatalf("got record %q, want LOGIN_DENIED", rec.Action)
	}
}

func TestFTPRejectionIsUniform(t *testing.T) {
	f := newAuthFixture(t, true, true)
	ctx := context.Background()

	_, errUnknown := f.drv.authenticate(ctx, "nobody", testPassword, authRemote)
	_, errBadPass := f.drv.authenticate(ctx, "tester", "guess", authRemote)
	if errUnknown == nil || errBadPass == nil {
		t.Fatalf("expected both attempts to fail")
	}
	if errUnknown.Error() != errBadPass.Error() {
		t.Fatalf("rejection reasons leak: %q vs %q", errUnknown, errBadPass)
	}
}
