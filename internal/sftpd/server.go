// Package sftpd implements the SFTP side of PathVault: an SSH listener whose
// sessions expose each user's virtualized filesystem.
package sftpd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"pathvault/internal/activity"
	"pathvault/internal/auth"
	"pathvault/internal/store"
)

// DefaultIdleTimeout applies when a listener does not configure its own.
const DefaultIdleTimeout = 5 * time.Minute

var errInvalidCredentials = errors.New("invalid credentials")

// Options configures one SFTP listener.
type Options struct {
	Listener    store.Listener
	DB          *store.DB
	Reporter    *activity.Reporter
	HostKeyPath string
	DefaultRoot string
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// Server owns the listener socket and the table of live sessions.
type Server struct {
	opt    Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New validates options and builds a server.
func New(opt Options) (*Server, error) {
	if opt.DB == nil {
		return nil, errors.New("db is required")
	}
	if opt.Reporter == nil {
		return nil, errors.New("reporter is required")
	}
	if opt.HostKeyPath == "" {
		return nil, errors.New("host key path is required")
	}
	if opt.IdleTimeout <= 0 {
		opt.IdleTimeout = DefaultIdleTimeout
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("listener", opt.Listener.Name, "protocol", store.ProtocolSFTP)
	return &Server{opt: opt, logger: logger, sessions: make(map[string]*session)}, nil
}

// ListenAndServe accepts connections until the context is done.
func ListenAndServe(ctx context.Context, opt Options) error {
	s, err := New(opt)
	if err != nil {
		return err
	}
	return s.ListenAndServe(ctx)
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	conf, err := s.sshConfig(ctx)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.opt.Listener.BindIP, strconv.Itoa(s.opt.Listener.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logger.Info("sftp listener started", "addr", addr)

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go s.handleConn(ctx, conf, c)
	}
}

// sshConfig builds the authentication callbacks. Every attempt, accepted or
// rejected, produces one LOGIN activity record carrying the remote address.
func (s *Server) sshConfig(ctx context.Context) (*ssh.ServerConfig, error) {
	signer, err := loadSigner(s.opt.HostKeyPath)
	if err != nil {
		return nil, err
	}

	conf := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			u, reason, err := s.lookupUser(ctx, c.User())
			if err != nil {
				return nil, err
			}
			if u == nil {
				auth.DummyVerify(string(pass))
				return nil, s.denyLogin(ctx, c, reason)
			}
			if !u.PasswordAuth {
				auth.DummyVerify(string(pass))
				return nil, s.denyLogin(ctx, c, "password auth disabled")
			}
			ok, err := auth.VerifyPassword(string(pass), u.PassHash)
			if err != nil || !ok {
				return nil, s.denyLogin(ctx, c, "bad credential")
			}
			return s.acceptLogin(ctx, c, u), nil
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			u, reason, err := s.lookupUser(ctx, c.User())
			if err != nil {
				return nil, err
			}
			if u == nil {
				return nil, s.denyLogin(ctx, c, reason)
			}
			if u.PublicKey == "" {
				return nil, s.denyLogin(ctx, c, "no key configured")
			}
			stored, _, _, _, err := ssh.ParseAuthorizedKey([]byte(u.PublicKey))
			if err != nil {
				return nil, s.denyLogin(ctx, c, "stored key unparsable")
			}
			if ssh.FingerprintSHA256(stored) != ssh.FingerprintSHA256(key) {
				return nil, s.denyLogin(ctx, c, "bad credential")
			}
			return s.acceptLogin(ctx, c, u), nil
		},
	}
	conf.AddHostKey(signer)
	return conf, nil
}

// lookupUser returns the user when it exists and is subscribed to this
// listener, or a denial reason otherwise.
func (s *Server) lookupUser(ctx context.Context, username string) (*store.User, string, error) {
	u, ok, err := s.opt.DB.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, "", errInvalidCredentials
	}
	if !ok {
		return nil, "unknown user", nil
	}
	sub, err := s.opt.DB.IsUserSubscribed(ctx, s.opt.Listener.ID, u.ID)
	if err != nil {
		return nil, "", errInvalidCredentials
	}
	if !sub {
		return nil, "not subscribed", nil
	}
	return u, "", nil
}

func (s *Server) denyLogin(ctx context.Context, c ssh.ConnMetadata, reason string) error {
	lid := s.opt.Listener.ID
	s.logger.Warn("login rejected", "user", c.User(), "remote", c.RemoteAddr().String(), "reason", reason)
	s.opt.Reporter.Log(ctx, &lid, c.User(), activity.Denied(activity.Login), c.RemoteAddr().String(), false)
	// The wire sees a uniform rejection regardless of the reason.
	return errInvalidCredentials
}

func (s *Server) acceptLogin(ctx context.Context, c ssh.ConnMetadata, u *store.User) *ssh.Permissions {
	lid := s.opt.Listener.ID
	s.opt.Reporter.Log(ctx, &lid, u.Username, activity.Login, c.RemoteAddr().String(), true)
	return &ssh.Permissions{Extensions: map[string]string{
		"user_id": strconv.FormatInt(u.ID, 10),
		"user":    u.Username,
	}}
}

func (s *Server) handleConn(ctx context.Context, conf *ssh.ServerConfig, netConn net.Conn) {
	defer netConn.Close()
	_ = netConn.SetDeadline(time.Now().Add(30 * time.Second))
	sconn, chans, reqs, err := ssh.NewServerConn(netConn, conf)
	if err != nil {
		return
	}
	defer sconn.Close()
	_ = netConn.SetDeadline(time.Time{})

	go ssh.DiscardRequests(reqs)

	u, ok, err := s.opt.DB.GetUserByUsername(ctx, sconn.User())
	if err != nil || !ok {
		return
	}

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				if req.Type == "subsystem" && len(req.Payload) >= 4 && string(req.Payload[4:]) == "sftp" {
					_ = req.Reply(true, nil)
					s.serveSession(ctx, sconn, ch, u)
					return
				}
				_ = req.Reply(false, nil)
			}
		}()
	}
}

// serveSession runs one SFTP session to completion and guarantees its handle
// table is released on every exit path.
func (s *Server) serveSession(ctx context.Context, sconn *ssh.ServerConn, ch ssh.Channel, u *store.User) {
	sess := newSession(sessionConfig{
		id:          uuid.NewString(),
		user:        u,
		listenerID:  s.opt.Listener.ID,
		remoteAddr:  sconn.RemoteAddr().String(),
		db:          s.opt.DB,
		reporter:    s.opt.Reporter,
		logger:      s.logger,
		defaultRoot: s.opt.DefaultRoot,
		idleTimeout: s.opt.IdleTimeout,
		closeTransport: func() {
			_ = sconn.Close()
		},
	})

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Info("session started", "session_id", sess.id, "user", u.Username, "remote", sess.remoteAddr)

	srv := sftp.NewRequestServer(ch, sftp.Handlers{
		FileGet:  sess,
		FilePut:  sess,
		FileCmd:  sess,
		FileList: sess,
	})
	_ = srv.Serve()
	_ = srv.Close()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	sess.close()

	s.logger.Info("session ended", "session_id", sess.id, "user", u.Username)
}

// SessionCount reports the number of live sessions, for tests and diagnostics.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func loadSigner(path string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	return ssh.ParsePrivateKey(b)
}
