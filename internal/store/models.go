// Package store defines persistence models for PathVault.
package store

// User represents an account that can connect through one or more listeners.
// Accounts are managed by administrative tooling; the protocol cores only read them.
type User struct {
	ID           int64
	Username     string
	PassHash     string
	PasswordAuth bool
	PublicKey    string
	AllowGUI     bool
	CreatedAt    int64
	UpdatedAt    int64
}

// VirtualPath maps one client-visible path prefix onto a physical directory,
// together with the path-scoped permission bits. A user may own several entries;
// resolution picks the longest matching prefix, position breaks ties.
type VirtualPath struct {
	ID           int64
	UserID       int64
	VirtualPath  string
	LocalPath    string
	CanRead      bool
	CanWrite     bool
	CanAppend    bool
	CanDelete    bool
	CanList      bool
	CanCreateDir bool
	CanRename    bool
	ApplySubdirs bool
	Position     int
}

// Permission holds the listener-scoped bits for one (user, listener) pair.
// No row for a pair means "no listener-level restriction".
type Permission struct {
	ID           int64
	UserID       int64
	ListenerID   int64
	CanRead      bool
	CanCreate    bool
	CanEdit      bool
	CanAppend    bool
	CanDelete    bool
	CanList      bool
	CanCreateDir bool
	CanRename    bool
}

// Protocol names accepted in the listeners table.
const (
	ProtocolFTP  = "FTP"
	ProtocolSFTP = "SFTP"
)

// Listener is a configured network endpoint users subscribe to.
type Listener struct {
	ID       int64
	Name     string
	Protocol string
	BindIP   string
	Port     int
	Enabled  bool
}

// ActivityRecord is one append-only log entry for an authentication attempt or
// filesystem operation. ListenerID is nil for non-listener events.
type ActivityRecord struct {
	ID         int64
	ListenerID *int64
	Username   string
	Action     string
	Path       string
	Timestamp  int64
	Success    bool
}
