package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"
)

// Run bootstraps the session and keeps the runtime alive (push channel, poller, caches) until ctx
// is done. The debug listener is started when cfg.DebugAddr is set.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run(ctx context.Context, cfg Config, log Logger, opts ...Option) error {
	if log == nil {
		log = NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}
	c, err := NewClient(ctx, cfg, log, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.DebugAddr != "" {
		ln, err := net.Listen("tcp", cfg.DebugAddr)
		if err != nil {
			_ = c.Close(context.Background())
			return err
		}
		mux := http.NewServeMux()
		registerDebug(mux, log, c, c.metrics.Handler(), c.persist.pool)
		g.Go(func() error { return serveDebug(gctx, ln, WithRequestLogging(mux, log), log) })
	}

	g.Go(func() error {
		s, err := c.Bootstrap(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info("courier.ready", "authenticated", s.Authenticated(), "user_id", s.UserID())
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := c.Close(shutdownCtx); err != nil {
		log.Warn("courier.shutdown.incomplete", "err", err)
	}
	log.Info("courier.stopped")
	return runErr
}
