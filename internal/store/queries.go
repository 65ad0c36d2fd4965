// Package store contains database query helpers for PathVault.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// nowUnix returns the current Unix timestamp in seconds.
func nowUnix() int64 { return time.Now().Unix() }

// CreateUser inserts a new user and returns its database ID.
func (d *DB) CreateUser(ctx context.Context, username, passHash string, passwordAuth bool, publicKey string, allowGUI bool) (int64, error) {
	if username == "" || passHash == "" {
		return 0, errors.New("username and password hash are required")
	}
	res, err := d.sql.ExecContext(ctx, `
INSERT INTO users(username, password_hash, password_auth, public_key, allow_gui, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, username, passHash, boolToInt(passwordAuth), publicKey, boolToInt(allowGUI), nowUnix(), nowUnix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DeleteUser removes a user by ID. Owned virtual paths, subscriptions, and
// permissions cascade.
func (d *DB) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	_, err := d.sql.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	return err
}

// GetUserByUsername looks up a user by username.
// The boolean indicates whether the user exists.
func (d *DB) GetUserByUsername(ctx context.Context, username string) (*User, bool, error) {
	var u User
	var passwordAuth, allowGUI int
	err := d.sql.QueryRowContext(ctx, `
SELECT id, username, password_hash, password_auth, public_key, allow_gui, created_at, updated_at
FROM users WHERE username=?
`, username).Scan(&u.ID, &u.Username, &u.PassHash, &passwordAuth, &u.PublicKey, &allowGUI, &u.CreatedAt, &u.UpdatedAt)
	if err == nil {
		u.PasswordAuth = passwordAuth != 0
		u.AllowGUI = allowGUI != 0
		return &u, true, nil
	}
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	return nil, false, err
}

// CreateVirtualPath adds a virtual path mapping for a user.
// Position fixes the configuration order used for resolution tie-breaks.
func (d *DB) CreateVirtualPath(ctx context.Context, vp VirtualPath) (int64, error) {
	if vp.UserID <= 0 {
		return 0, errors.New("invalid user id")
	}
	if vp.VirtualPath == "" || vp.LocalPath == "" {
		return 0, errors.New("virtual path and local path are required")
	}
	res, err := d.sql.ExecContext(ctx, `
INSERT INTO virtual_paths(user_id, virtual_path, local_path, can_read, can_write, can_append, can_delete, can_list, can_create_dir, can_rename, apply_subdirs, position, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, vp.UserID, vp.VirtualPath, vp.LocalPath,
		boolToInt(vp.CanRead), boolToInt(vp.CanWrite), boolToInt(vp.CanAppend),
		boolToInt(vp.CanDelete), boolToInt(vp.CanList), boolToInt(vp.CanCreateDir),
		boolToInt(vp.CanRename), boolToInt(vp.ApplySubdirs), vp.Position, nowUnix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// VirtualPathsForUser returns a user's virtual path set in configuration order.
func (d *DB) VirtualPathsForUser(ctx context.Context, userID int64) ([]VirtualPath, error) {
	rows, err := d.sql.QueryContext(ctx, `
SELECT id, user_id, virtual_path, local_path, can_read, can_write, can_append, can_delete, can_list, can_create_dir, can_rename, apply_subdirs, position
FROM virtual_paths WHERE user_id=? ORDER BY position ASC, id ASC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VirtualPath
	for rows.Next() {
		var vp VirtualPath
		var canRead, canWrite, canAppend, canDelete, canList, canCreateDir, canRename, applySubdirs int
		if err := rows.Scan(&vp.ID, &vp.UserID, &vp.VirtualPath, &vp.LocalPath, &canRead, &canWrite, &canAppend, &canDelete, &canList, &canCreateDir, &canRename, &applySubdirs, &vp.Position); err != nil {
			return nil, err
		}
		vp.CanRead = canRead != 0
		vp.CanWrite = canWrite != 0
		vp.CanAppend = canAppend != 0
		vp.CanDelete = canDelete != 0
		vp.CanList = canList != 0
		vp.CanCreateDir = canCreateDir != 0
		vp.CanRename = canRename != 0
		vp.ApplySubdirs = applySubdirs != 0
		out = append(out, vp)
	}
	return out, rows.Err()
}

// CreateListener inserts a listener endpoint definition.
func (d *DB) CreateListener(ctx context.Context, l Listener) (int64, error) {
	if l.Protocol != ProtocolFTP && l.Protocol != ProtocolSFTP {
		return 0, errors.New("invalid listener protocol")
	}
	if l.Port <= 0 || l.Port > 65535 {
		return 0, errors.New("invalid listener port")
	}
	bind := l.BindIP
	if bind == "" {
		bind = "127.0.0.1"
	}
	res, err := d.sql.ExecContext(ctx, `
INSERT INTO listeners(name, protocol, bind_ip, port, enabled, created_at)
VALUES(?, ?, ?, ?, ?, ?)
`, l.Name, l.Protocol, bind, l.Port, boolToInt(l.Enabled), nowUnix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListListeners returns all listeners. When enabledOnly is set, disabled
// listeners are filtered out.
func (d *DB) ListListeners(ctx context.Context, enabledOnly bool) ([]Listener, error) {
	q := `SELECT id, name, protocol, bind_ip, port, enabled FROM listeners ORDER BY id ASC`
	if enabledOnly {
		q = `SELECT id, name, protocol, bind_ip, port, enabled FROM listeners WHERE enabled=1 ORDER BY id ASC`
	}
	rows, err := d.sql.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Listener
	for rows.Next() {
		var l Listener
		var enabled int
		if err := rows.Scan(&l.ID, &l.Name, &l.Protocol, &l.BindIP, &l.Port, &enabled); err != nil {
			return nil, err
		}
		l.Enabled = enabled != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

// SubscribeUser associates a user with a listener.
func (d *DB) SubscribeUser(ctx context.Context, listenerID, userID int64) error {
	if listenerID <= 0 || userID <= 0 {
		return errors.New("invalid id")
	}
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO listener_users(listener_id, user_id) VALUES(?, ?)
ON CONFLICT(listener_id, user_id) DO NOTHING
`, listenerID, userID)
	return err
}

// IsUserSubscribed reports whether the user may connect through the listener.
func (d *DB) IsUserSubscribed(ctx context.Context, listenerID, userID int64) (bool, error) {
	var one int
	err := d.sql.QueryRowContext(ctx, `
SELECT 1 FROM listener_users WHERE listener_id=? AND user_id=?
`, listenerID, userID).Scan(&one)
	if err == nil {
		return true, nil
	}
	if err == sql.ErrNoRows {
		return false, nil
	}
	return false, err
}

// SetPermission upserts the listener-scoped permission bits for a (user, listener)
// pair.
func (d *DB) SetPermission(ctx context.Context, p Permission) error {
	if p.UserID <= 0 || p.ListenerID <= 0 {
		return errors.New("invalid id")
	}
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO permissions(user_id, listener_id, can_read, can_create, can_edit, can_append, can_delete, can_list, can_create_dir, can_rename)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, listener_id) DO UPDATE SET
  can_read=excluded.can_read, can_create=excluded.can_create, can_edit=excluded.can_edit,
  can_append=excluded.can_append, can_delete=excluded.can_delete, can_list=excluded.can_list,
  can_create_dir=excluded.can_create_dir, can_rename=excluded.can_rename
`, p.UserID, p.ListenerID,
		boolToInt(p.CanRead), boolToInt(p.CanCreate), boolToInt(p.CanEdit),
		boolToInt(p.CanAppend), boolToInt(p.CanDelete), boolToInt(p.CanList),
		boolToInt(p.CanCreateDir), boolToInt(p.CanRename))
	return err
}

// GetPermission returns the listener-scoped permission record for a (user,
// listener) pair. The boolean reports whether a record exists; absence is a valid
// state meaning no listener-level restriction applies.
func (d *DB) GetPermission(ctx context.Context, userID, listenerID int64) (*Permission, bool, error) {
	var p Permission
	var canRead, canCreate, canEdit, canAppend, canDelete, canList, canCreateDir, canRename int
	err := d.sql.QueryRowContext(ctx, `
SELECT id, user_id, listener_id, can_read, can_create, can_edit, can_append, can_delete, can_list, can_create_dir, can_rename
FROM permissions WHERE user_id=? AND listener_id=?
`, userID, listenerID).Scan(&p.ID, &p.UserID, &p.ListenerID, &canRead, &canCreate, &canEdit, &canAppend, &canDelete, &canList, &canCreateDir, &canRename)
	if err == nil {
		p.CanRead = canRead != 0
		p.CanCreate = canCreate != 0
		p.CanEdit = canEdit != 0
		p.CanAppend = canAppend != 0
		p.CanDelete = canDelete != 0
		p.CanList = canList != 0
		p.CanCreateDir = canCreateDir != 0
		p.CanRename = canRename != 0
		return &p, true, nil
	}
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	return nil, false, err
}

// AddActivity appends one activity record.
func (d *DB) AddActivity(ctx context.Context, rec ActivityRecord) error {
	if rec.Username == "" || rec.Action == "" {
		return errors.New("username and action are required")
	}
	at := rec.Timestamp
	if at == 0 {
		at = nowUnix()
	}
	var listenerID any
	if rec.ListenerID != nil {
		listenerID = *rec.ListenerID
	}
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO activity(listener_id, username, action, path, at, success)
VALUES(?, ?, ?, ?, ?, ?)
`, listenerID, rec.Username, rec.Action, rec.Path, at, boolToInt(rec.Success))
	return err
}

// ListActivity returns the most recent activity records, newest first.
func (d *DB) ListActivity(ctx context.Context, limit int) ([]ActivityRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.sql.QueryContext(ctx, `
SELECT id, listener_id, username, action, path, at, success
FROM activity ORDER BY id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityRecord
	for rows.Next() {
		var rec ActivityRecord
		var listenerID sql.NullInt64
		var success int
		if err := rows.Scan(&rec.ID, &listenerID, &rec.Username, &rec.Action, &rec.Path, &rec.Timestamp, &success); err != nil {
			return nil, err
		}
		if listenerID.Valid {
			v := listenerID.Int64
			rec.ListenerID = &v
		}
		rec.Success = success != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// boolToInt maps booleans to SQLite-friendly integer flags.
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
