// Package dbpool implements a fixed-size pool of live database handles
// guarded by a counting semaphore, with scoped acquisition: callers obtain
// a Lease whose Close releases the handle on every exit path, an explicit
// stand-in for RAII-style destructor-timed release.
package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Acquire once the pool has been closed.
var ErrClosed = errors.New("dbpool: pool is closed")

// Config holds the dial parameters for the backing relational store.
type Config struct {
	Host string
	Port int
	User string
	Pwd  string
	Name string
	Num  int // sql_pool_num
}

// Pool is a fixed-size set of *sql.DB handles. Each handle is leased to at
// most one caller at a time: acquire blocks on a counting semaphore until a
// handle frees up, then pops one off the free list under a mutex.
type Pool struct {
	sem   *semaphore.Weighted
	mu    sync.Mutex
	free  []*sql.DB
	total int

	closed bool
}

// Open opens cfg.Num handles to the configured MySQL instance and returns a
// ready-to-use Pool. Every handle is pinged before the pool is handed back,
// so startup failures surface here rather than on the first request.
func Open(cfg Config) (*Pool, error) {
	if cfg.Num <= 0 {
		return nil, fmt.Errorf("dbpool: sql_pool_num must be positive, got %d", cfg.Num)
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Pwd, cfg.Host, cfg.Port, cfg.Name)
	return openDriver("mysql", dsn, cfg.Num)
}

// openDriver is the driver-agnostic core of Open, factored out so tests can
// exercise acquire/release/close semantics against a stub database/sql
// driver instead of a live MySQL instance.
func openDriver(driverName, dsn string, num int) (*Pool, error) {
	p := &Pool{
		sem:   semaphore.NewWeighted(int64(num)),
		free:  make([]*sql.DB, 0, num),
		total: num,
	}
	for i := 0; i < num; i++ {
		db, err := sql.Open(driverName, dsn)
		if err != nil {
			p.closeAll()
			return nil, fmt.Errorf("dbpool: open handle %d: %w", i, err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := db.Ping(); err != nil {
			db.Close()
			p.closeAll()
			return nil, fmt.Errorf("dbpool: ping handle %d: %w", i, err)
		}
		p.free = append(p.free, db)
	}
	return p, nil
}

// Lease is a scoped acquisition: its Close releases the handle back to the
// pool. Callers are expected to `defer lease.Close()` on every exit path.
type Lease struct {
	pool *Pool
	db   *sql.DB
}

// DB returns the leased handle.
func (l *Lease) DB() *sql.DB { return l.db }

// Close releases the handle back to the pool. Idempotent: a second Close
// is a no-op.
func (l *Lease) Close() {
	if l.db == nil {
		return
	}
	l.pool.release(l.db)
	l.db = nil
}

// Acquire blocks until a handle is free or ctx is done and returns a scoped
// Lease. It fails with ErrClosed when the pool is already closed on entry
// or is found closed once a slot is obtained; Close does not wake callers
// that are already waiting.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	n := len(p.free)
	db := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()

	return &Lease{pool: p, db: db}, nil
}

func (p *Pool) release(db *sql.DB) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		db.Close()
		return
	}
	p.free = append(p.free, db)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Close closes every handle and marks the pool dead; further Acquire calls
// fail with ErrClosed. Handles currently on lease are closed as they are
// released (release() checks the closed flag).
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.closeAll()
}

func (p *Pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, db := range p.free {
		db.Close()
	}
	p.free = nil
}

// Len reports the free handle count and the configured pool size; the
// leased count is capacity-free, so free+leased sums to the configured
// pool size at every quiescent point.
func (p *Pool) Len() (free int, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), p.total
}
