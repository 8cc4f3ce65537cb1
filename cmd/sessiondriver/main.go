// Command sessiondriver runs the SessionDriver reverse proxy: it
// listens for W3C WebDriver traffic, spawns a fresh WebDriver child
// process per session, and multiplexes many concurrent sessions behind
// a single public port. Wiring follows the teacher's cmd/server/main.go
// shape: build components bottom-up, serve in the background, drain on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/sessiondriver/internal/childdriver"
	"github.com/shehryarbajwa/sessiondriver/internal/config"
	"github.com/shehryarbajwa/sessiondriver/internal/dispatcher"
	"github.com/shehryarbajwa/sessiondriver/internal/logging"
	"github.com/shehryarbajwa/sessiondriver/internal/portalloc"
	"github.com/shehryarbajwa/sessiondriver/internal/ratelimit"
	"github.com/shehryarbajwa/sessiondriver/internal/reaper"
	"github.com/shehryarbajwa/sessiondriver/internal/registry"
)

// shutdownGrace bounds how long the process waits, after it stops
// accepting new connections, for every live session to drain.
const shutdownGrace = 5 * time.Second

// maxConcurrentDrains bounds how many sessions are torn down in
// parallel during shutdown, mirroring the reaper's sweep bound.
const maxConcurrentDrains = 8

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "sessiondriver:", err)
		return 1
	}

	logger := logging.New()

	ports := portalloc.New(cfg.Host)

	factory := registry.ChildFactory(func(ctx context.Context, port int) (*childdriver.ChildDriver, error) {
		return childdriver.Spawn(ctx, logger, cfg.Webdriver, cfg.Host, port, cfg.Parameters, cfg.StartupTimeout)
	})

	reg := registry.New(ports, factory, cfg.InactivityTimeout)

	limiter := ratelimit.New(cfg.MaxConnectRate)
	disp := dispatcher.New(reg, &http.Client{}, logger, limiter)

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: disp.Router(),
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sessiondriver: listen on %s: %v\n", cfg.Addr(), err)
		return 2
	}

	reapCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	rp := reaper.New(reg, cfg.ReapInterval, logger)
	go rp.Run(reapCtx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s, spawning %s per session", cfg.Addr(), cfg.Webdriver)
		serveErr <- srv.Serve(ln)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			return 1
		}
	case <-quit:
		logger.Infof("shutting down")
	}

	stopReaper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}

	drainSessions(shutdownCtx, reg, logger)

	logger.Infof("stopped")
	return 0
}

// drainSessions terminates every session still on record within ctx's
// deadline, bounding concurrency the same way the reaper does.
func drainSessions(ctx context.Context, reg *registry.Registry, logger *logging.Logger) {
	ids := reg.AllIDs()
	if len(ids) == 0 {
		return
	}
	logger.Infof("draining %d live session(s)", len(ids))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentDrains)

	for _, id := range ids {
		id := id
		group.Go(func() error {
			if err := reg.Terminate(groupCtx, id); err != nil && !errors.Is(err, registry.ErrNotFound) {
				logger.Warnf("drain %s: %v", id, err)
			}
			return nil
		})
	}
	_ = group.Wait()
}
