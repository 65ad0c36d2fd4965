package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(context.Background(), filepath.Join(t.TempDir(), "pathvault.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestUserRoundTrip(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	id, err := d.CreateUser(ctx, "alice", "hash", true, "", false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	u, ok, err := d.GetUserByUsername(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("get user: ok=%v err=%v", ok, err)
	}
	if u.ID != id || u.Username != "alice" || !u.PasswordAuth {
		t.Fatalf("unexpected user: %+v", u)
	}

	if _, ok, _ := d.GetUserByUsername(ctx, "nobody"); ok {
		t.Fatalf("expected missing user")
	}
}

func TestVirtualPathsOrderedByPosition(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	uid, err := d.CreateUser(ctx, "bob", "hash", true, "", false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := d.CreateVirtualPath(ctx, VirtualPath{UserID: uid, VirtualPath: "/reports", LocalPath: "/srv/reports", Position: 1}); err != nil {
		t.Fatalf("create vpath: %v", err)
	}
	if _, err := d.CreateVirtualPath(ctx, VirtualPath{UserID: uid, VirtualPath: "/", LocalPath: "/srv/root", Position: 0, CanRead: true}); err != nil {
		t.Fatalf("create vpath: %v", err)
	}

	vps, err := d.VirtualPathsForUser(ctx, uid)
	if err != nil {
		t.Fatalf("list vpaths: %v", err)
	}
	if len(vps) != 2 || vps[0].VirtualPath != "/" || vps[1].VirtualPath != "/reports" {
		t.Fatalf("unexpected order: %+v", vps)
	}
	if !vps[0].CanRead || vps[0].CanWrite {
		t.Fatalf("permission bits lost: %+v", vps[0])
	}
}

func TestSubscriptionsAndPermissions(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	uid, err := d.CreateUser(ctx, "carol", "hash", true, "", false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	lid, err := d.CreateListener(ctx, Listener{Name: "sftp-main", Protocol: ProtocolSFTP, Port: 2022, Enabled: true})
	if err != nil {
		t.Fatalf("create listener: %v", err)
	}

	sub, err := d.IsUserSubscribed(ctx, lid, uid)
	if err != nil || sub {
		t.Fatalf("expected not subscribed, got sub=%v err=%v", sub, err)
	}
	if err := d.SubscribeUser(ctx, lid, uid); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub, err = d.IsUserSubscribed(ctx, lid, uid)
	if err != nil || !sub {
		t.Fatalf("expected subscribed, got sub=%v err=%v", sub, err)
	}

	// Absence of a permission record is a valid state.
	if _, ok, err := d.GetPermission(ctx, uid, lid); err != nil || ok {
		t.Fatalf("expected no permission record, ok=%v err=%v", ok, err)
	}
	if err := d.SetPermission(ctx, Permission{UserID: uid, ListenerID: lid, CanRead: true, CanList: true}); err != nil {
		t.Fatalf("set permission: %v", err)
	}
	p, ok, err := d.GetPermission(ctx, uid, lid)
	if err != nil || !ok {
		t.Fatalf("get permission: ok=%v err=%v", ok, err)
	}
	if !p.CanRead || !p.CanList || p.CanDelete {
		t.Fatalf("unexpected bits: %+v", p)
	}

	// Upsert overwrites in place.
	if err := d.SetPermission(ctx, Permission{UserID: uid, ListenerID: lid, CanDelete: true}); err != nil {
		t.Fatalf("set permission again: %v", err)
	}
	p, _, _ = d.GetPermission(ctx, uid, lid)
	if p.CanRead || !p.CanDelete {
		t.Fatalf("upsert did not replace bits: %+v", p)
	}
}

func TestActivityAppendAndList(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	lid := int64(7)
	if err := d.AddActivity(ctx, ActivityRecord{ListenerID: &lid, Username: "alice", Action: "WRITE", Path: "/x.txt", Success: true}); err != nil {
		t.Fatalf("add activity: %v", err)
	}
	if err := d.AddActivity(ctx, ActivityRecord{Username: "alice", Action: "LOGIN_DENIED", Success: false}); err != nil {
		t.Fatalf("add activity: %v", err)
	}

	recs, err := d.ListActivity(ctx, 10)
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	// Newest first.
	if recs[0].Action != "LOGIN_DENIED" || recs[0].ListenerID != nil || recs[0].Success {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
	if recs[1].ListenerID == nil || *recs[1].ListenerID != lid || !recs[1].Success {
		t.Fatalf("unexpected record: %+v", recs[1])
	}
}
