// Package ftpd implements the FTP side of PathVault behind the ftpserverlib
// command engine. The same resolver and permission composition as the SFTP
// side sit behind a virtual afero filesystem.
package ftpd

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	ftp "github.com/fclairamb/ftpserverlib"

	"pathvault/internal/activity"
	"pathvault/internal/auth"
	"pathvault/internal/store"
)

var errAccessDenied = errors.New("access denied")

// Options configures one FTP listener.
type Options struct {
	Listener     store.Listener
	DB           *store.DB
	Reporter     *activity.Reporter
	DefaultRoot  string
	PassivePorts *ftp.PortRange
	PublicHost   string
	IdleTimeout  time.Duration
	Logger       *slog.Logger
}

// ListenAndServe runs the FTP listener until the context is done.
func ListenAndServe(ctx context.Context, opt Options) error {
	if opt.DB == nil {
		return errors.New("db is required")
	}
	if opt.Reporter == nil {
		return errors.New("reporter is required")
	}
	if opt.IdleTimeout <= 0 {
		opt.IdleTimeout = 5 * time.Minute
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("listener", opt.Listener.Name, "protocol", store.ProtocolFTP)

	addr := net.JoinHostPort(opt.Listener.BindIP, strconv.Itoa(opt.Listener.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	logger.Info("ftp listener started", "addr", addr)

	drv := &mainDriver{opt: opt, logger: logger, listener: ln}
	srv := ftp.NewFtpServer(drv)
	return srv.ListenAndServe()
}

// mainDriver connects ftpserverlib callbacks to the PathVault store.
type mainDriver struct {
	opt      Options
	logger   *slog.Logger
	listener net.Listener
}

// GetSettings returns server settings for ftpserverlib.
func (d *mainDriver) GetSettings() (*ftp.Settings, error) {
	return &ftp.Settings{
		Listener:                 d.listener,
		ListenAddr:               "",
		Banner:                   "PathVault",
		PassiveTransferPortRange: d.opt.PassivePorts,
		PublicHost:               d.opt.PublicHost,
		IdleTimeout:              int(d.opt.IdleTimeout / time.Second),
		ConnectionTimeout:        15,
		DisableActiveMode:        true,
	}, nil
}

// ClientConnected returns a banner string for new connections.
func (d *mainDriver) ClientConnected(cc ftp.ClientContext) (string, error) {
	_ = cc
	return "PathVault ready", nil
}

// ClientDisconnected is a hook for connection cleanup.
func (d *mainDriver) ClientDisconnected(cc ftp.ClientContext) {
	_ = cc
}

// AuthUser authenticates an FTP login and hands the connection its virtual
// filesystem. FTP carries passwords only; the public-key credential never
// applies here.
func (d *mainDriver) AuthUser(cc ftp.ClientContext, user, pass string) (ftp.ClientDriver, error) {
	u, err := d.authenticate(context.Background(), user, pass, cc.RemoteAddr().String())
	if err != nil {
		return nil, err
	}
	cc.SetPath("/")
	return newFS(fsConfig{
		user:        u,
		listenerID:  d.opt.Listener.ID,
		db:          d.opt.DB,
		reporter:    d.opt.Reporter,
		defaultRoot: d.opt.DefaultRoot,
	}), nil
}

// authenticate decides one password login: the user must exist, allow password
// auth, be subscribed to this listener, and present the right credential.
// Every attempt produces exactly one LOGIN activity record carrying the remote
// address, and every rejection looks identical on the wire.
func (d *mainDriver) authenticate(ctx context.Context, user, pass, remote string) (*store.User, error) {
	lid := d.opt.Listener.ID

	deny := func(reason string) error {
		d.logger.Warn("login rejected", "user", user, "remote", remote, "reason", reason)
		d.opt.Reporter.Log(ctx, &lid, user, activity.Denied(activity.Login), remote, false)
		return errAccessDenied
	}

	u, ok, err := d.opt.DB.GetUserByUsername(ctx, user)
	if err != nil || !ok {
		auth.DummyVerify(pass)
		return nil, deny("unknown user")
	}
	if !u.PasswordAuth {
		auth.DummyVerify(pass)
		return nil, deny("password auth disabled")
	}
	sub, err := d.opt.DB.IsUserSubscribed(ctx, lid, u.ID)
	if err != nil || !sub {
		auth.DummyVerify(pass)
		return nil, deny("not subscribed")
	}
	okPw, err := auth.VerifyPassword(pass, u.PassHash)
	if err != nil || !okPw {
		return nil, deny("bad credential")
	}

	d.opt.Reporter.Log(ctx, &lid, u.Username, activity.Login, remote, true)
	return u, nil
}

// GetTLSConfig reports that TLS is not configured; transport security is
// outside this server's scope.
func (d *mainDriver) GetTLSConfig() (*tls.Config, error) {
	return nil, errors.New("tls not configured")
}

// Compile-time interface assertion.
var _ ftp.MainDriver = (*mainDriver)(nil)
