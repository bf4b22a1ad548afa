// Package server wires config, logging, the database pool, the timer
// wheel, the worker pool, and the reactor together into one runnable
// process, with construction order and shutdown ordering mirroring each
// other.
package server

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kagehttp/reactorweb/internal/config"
	"github.com/kagehttp/reactorweb/internal/dbpool"
	"github.com/kagehttp/reactorweb/internal/httpmsg"
	"github.com/kagehttp/reactorweb/internal/logging"
	"github.com/kagehttp/reactorweb/internal/reactor"
	"github.com/kagehttp/reactorweb/internal/timingwheel"
	"github.com/kagehttp/reactorweb/internal/workerpool"
)

const wheelTick = 500 * time.Millisecond
const wheelSlots = 128

// Server owns every long-lived collaborator and the reactor goroutine.
type Server struct {
	cfg config.Config
	log *logging.Logger

	db    *dbpool.Pool
	wheel *timingwheel.Wheel
	pool  *workerpool.Pool
	react *reactor.Reactor
}

// New constructs every collaborator per cfg. Database-pool initialization
// failure is fatal, the same tier as a bind/listen/epoll-create failure:
// the caller's exit path is expected to surface a non-zero exit code for
// it rather than start a server whose auth routes can never work.
func New(cfg config.Config, log *logging.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool, err := dbpool.Open(dbpool.Config{
		Host: cfg.SQLHost,
		Port: cfg.SQLPort,
		User: cfg.SQLUser,
		Pwd:  cfg.SQLPwd,
		Name: cfg.DBName,
		Num:  cfg.SQLPoolNum,
	})
	if err != nil {
		return nil, fmt.Errorf("server: open database pool: %w", err)
	}

	auth := newAuthStore(pool)

	handler := &httpmsg.Handler{ResourceDir: cfg.ResourceDir, Auth: auth}

	wheel := timingwheel.New(wheelTick, wheelSlots)
	workers := workerpool.New(cfg.ThreadNum, cfg.MaxEvents)

	trig := config.TriggerMode(cfg.TriggerMode)
	react, err := reactor.New(reactor.Config{
		Port:       cfg.Port,
		ListenET:   trig.ListenET(),
		ConnET:     trig.ConnET(),
		MaxFD:      cfg.MaxFD,
		TimeoutMS:  cfg.TimeoutMS,
		OpenLinger: cfg.OpenLinger,
		Handler:    handler,
		Pool:       workers,
		Wheel:      wheel,
		Log:        log,
	})
	if err != nil {
		workers.Close()
		wheel.Close()
		pool.Close()
		return nil, fmt.Errorf("server: init reactor: %w", err)
	}

	return &Server{
		cfg:   cfg,
		log:   log,
		db:    pool,
		wheel: wheel,
		pool:  workers,
		react: react,
	}, nil
}

// Run starts the timer wheel and the reactor event loop, blocking until
// ctx is cancelled or the reactor returns an error.
func (s *Server) Run(ctx context.Context) error {
	s.log.Infof("server start: port=%d trigger_mode=%d timeout_ms=%d", s.cfg.Port, s.cfg.TriggerMode, s.cfg.TimeoutMS)
	s.wheel.Run()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.react.Run()
	})
	g.Go(func() error {
		<-gctx.Done()
		s.react.Close()
		return nil
	})

	err := g.Wait()
	s.Close()
	return err
}

// Close tears every collaborator down in dependency order: reactor first
// (stop accepting/servicing), then the pools backing it, then the
// database.
func (s *Server) Close() {
	s.react.Close()
	s.pool.Close()
	s.wheel.Close()
	s.db.Close()
}

// ActiveConns reports the live connection count for diagnostics.
func (s *Server) ActiveConns() int64 {
	return s.react.ActiveConns()
}
