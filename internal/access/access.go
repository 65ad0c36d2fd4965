// Package access composes path-scoped and listener-scoped permission bits into
// a single allow/deny decision per action.
package access

import "pathvault/internal/store"

// Action enumerates every permission-gated operation. Both bit mappings switch
// exhaustively over this enum; an unhandled action panics instead of silently
// evaluating to false.
type Action int

const (
	Read Action = iota
	Create
	Edit
	Append
	Delete
	List
	CreateDir
	Rename
)

// String returns the activity-record code for the action.
func (a Action) String() string {
	switch a {
	case Read:
		return "READ"
	case Create, Edit:
		return "WRITE"
	case Append:
		return "APPEND"
	case Delete:
		return "DELETE"
	case List:
		return "LIST"
	case CreateDir:
		return "MKDIR"
	case Rename:
		return "RENAME"
	}
	panic("access: unhandled action")
}

// Allowed decides one action against the resolved virtual path entry and the
// optional listener permission record. The rule is pathBit AND listenerBit,
// where a nil perm means "no listener-level restriction" and a nil entry means
// the degraded default-root mode, which carries no path-scoped restriction.
func Allowed(a Action, entry *store.VirtualPath, perm *store.Permission) bool {
	return pathBit(a, entry) && listenerBit(a, perm)
}

// ListenerWriteAllowed gates an SFTP write packet. The wire operation carries a
// handle, not a path: the path-scoped bit was already checked when the handle
// was opened, so only the listener-scoped edit-or-append bit applies here.
func ListenerWriteAllowed(perm *store.Permission) bool {
	if perm == nil {
		return true
	}
	return perm.CanEdit || perm.CanAppend
}

// FTPWriteAllowed gates an FTP upload: the path-scoped write bit AND, when a
// listener record exists, either of its create or edit bits.
func FTPWriteAllowed(entry *store.VirtualPath, perm *store.Permission) bool {
	if entry != nil && !entry.CanWrite {
		return false
	}
	if perm == nil {
		return true
	}
	return perm.CanCreate || perm.CanEdit
}

func pathBit(a Action, e *store.VirtualPath) bool {
	if e == nil {
		return true
	}
	switch a {
	case Read:
		return e.CanRead
	case Create, Edit:
		return e.CanWrite
	case Append:
		return e.CanAppend
	case Delete:
		return e.CanDelete
	case List:
		return e.CanList
	case CreateDir:
		return e.CanCreateDir
	case Rename:
		return e.CanRename
	}
	panic("access: unhandled action")
}

func listenerBit(a Action, p *store.Permission) bool {
	if p == nil {
		return true
	}
	switch a {
	case Read:
		return p.CanRead
	case Create:
		return p.CanCreate
	case Edit:
		return p.CanEdit
	case Append:
		return p.CanAppend
	case Delete:
		return p.CanDelete
	case List:
		return p.CanList
	case CreateDir:
		return p.CanCreateDir
	case Rename:
		return p.CanRename
	}
	panic("access: unhandled action")
}
