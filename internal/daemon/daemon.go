// Package daemon starts and supervises the configured protocol listeners.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	ftpserver "github.com/fclairamb/ftpserverlib"

	"pathvault/internal/activity"
	"pathvault/internal/ftpd"
	"pathvault/internal/sftpd"
	"pathvault/internal/store"
)

// Options carries everything the supervisor shares across listeners.
type Options struct {
	DB           *store.DB
	Reporter     *activity.Reporter
	HostKeyPath  string
	DefaultRoot  string
	IdleTimeout  time.Duration
	PassivePorts *ftpserver.PortRange
	PublicHost   string
	Logger       *slog.Logger
}

// Run loads the enabled listeners from the store and serves each one until the
// context is cancelled. A listener that fails to bind is fatal to that
// listener only; the rest keep serving. Run returns once every listener has
// stopped, with an error when no listener could be started at all.
func Run(ctx context.Context, opt Options) error {
	if opt.DB == nil {
		return errors.New("db is required")
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}

	listeners, err := opt.DB.ListListeners(ctx, true)
	if err != nil {
		return err
	}
	if len(listeners) == 0 {
		return errors.New("no enabled listeners configured")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0

	for _, l := range listeners {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("starting listener", "name", l.Name, "protocol", l.Protocol, "bind", l.BindIP, "port", l.Port)

			var err error
			switch l.Protocol {
			case store.ProtocolSFTP:
				err = sftpd.ListenAndServe(ctx, sftpd.Options{
					Listener:    l,
					DB:          opt.DB,
					Reporter:    opt.Reporter,
					HostKeyPath: opt.HostKeyPath,
					DefaultRoot: opt.DefaultRoot,
					IdleTimeout: opt.IdleTimeout,
					Logger:      logger,
				})
			case store.ProtocolFTP:
				err = ftpd.ListenAndServe(ctx, ftpd.Options{
					Listener:     l,
					DB:           opt.DB,
					Reporter:     opt.Reporter,
					DefaultRoot:  opt.DefaultRoot,
					PassivePorts: opt.PassivePorts,
					PublicHost:   opt.PublicHost,
					IdleTimeout:  opt.IdleTimeout,
					Logger:       logger,
				})
			default:
				err = errors.New("unknown protocol " + l.Protocol)
			}

			if err != nil && ctx.Err() == nil {
				logger.Error("listener stopped", "name", l.Name, "error", err)
				return
			}
			mu.Lock()
			started++
			mu.Unlock()
			logger.Info("listener stopped", "name", l.Name)
		}()
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if started == 0 && ctx.Err() == nil {
		return errors.New("all listeners failed")
	}
	return nil
}
