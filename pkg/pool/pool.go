// Package pool implements a bounded, self-healing pool of stateful backend
// connections shared among concurrent callers.
//
// The pool owns a set of wrapped connections (at most Max, eagerly grown to
// Min), lends them out one caller at a time, parks callers in a FIFO wait
// queue when saturated, and runs a periodic health checker that validates
// idle connections and replaces broken ones. The backend is abstracted
// behind a driver.Factory; the pool never interprets queries.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sqlbridge/connpool/pkg/driver"
)

// Config contains pool sizing, timeout, and health-check settings.
type Config struct {
	Min                 int           `json:"min" yaml:"min" mapstructure:"min"`
	Max                 int           `json:"max" yaml:"max" mapstructure:"max"`
	AcquireTimeout      time.Duration `json:"acquire_timeout" yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	IdleTimeout         time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ConnectionTimeout   time.Duration `json:"connection_timeout" yaml:"connection_timeout" mapstructure:"connection_timeout"`
	QueryTimeout        time.Duration `json:"query_timeout" yaml:"query_timeout" mapstructure:"query_timeout"`
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval" mapstructure:"health_check_interval"`
	HealthCheckQuery    string        `json:"health_check_query" yaml:"health_check_query" mapstructure:"health_check_query"`
	ValidateOnBorrow    bool          `json:"validate_on_borrow" yaml:"validate_on_borrow" mapstructure:"validate_on_borrow"`
	TestWhileIdle       bool          `json:"test_while_idle" yaml:"test_while_idle" mapstructure:"test_while_idle"`
	RetryAttempts       int           `json:"retry_attempts" yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelay          time.Duration `json:"retry_delay" yaml:"retry_delay" mapstructure:"retry_delay"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Min:                 2,
		Max:                 10,
		AcquireTimeout:      30 * time.Second,
		IdleTimeout:         60 * time.Second,
		ConnectionTimeout:   10 * time.Second,
		QueryTimeout:        30 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckQuery:    "SELECT 1",
		ValidateOnBorrow:    true,
		TestWhileIdle:       true,
		RetryAttempts:       3,
		RetryDelay:          time.Second,
	}
}

// Validate checks the configuration for inconsistencies.
func (c Config) Validate() error {
	if c.Max < 1 {
		return fmt.Errorf("max must be at least 1, got %d", c.Max)
	}
	if c.Min < 0 {
		return fmt.Errorf("min cannot be negative, got %d", c.Min)
	}
	if c.Min > c.Max {
		return fmt.Errorf("min (%d) cannot exceed max (%d)", c.Min, c.Max)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire timeout must be positive")
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be positive")
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}
	if (c.ValidateOnBorrow || c.TestWhileIdle) && c.HealthCheckQuery == "" {
		return fmt.Errorf("health check query cannot be empty when validation is enabled")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts cannot be negative, got %d", c.RetryAttempts)
	}
	return nil
}

// Pool is a bounded connection pool. Multiple independent pools may coexist;
// each is owned by its creator and torn down with Close.
type Pool struct {
	cfg     Config
	factory driver.Factory

	mu      sync.Mutex
	conns   []*PoolConnection
	pending int // factory calls in flight, counted toward Max
	waiters waitQueue
	closed  bool

	stats  counters
	events *eventDispatcher

	logger zerolog.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// handoff pairs a freed connection with the waiter it was reserved for. The
// connection is marked Active under the pool mutex before the waiter is
// resolved, so a concurrent drain can never hand it out twice.
type handoff struct {
	w *waiter
	c *PoolConnection
}

// New creates a pool, eagerly creates up to cfg.Min connections, and starts
// the health-check loop. Eager creation is best effort: factory failures
// are logged and the pool starts below its minimum, recovering on a later
// health cycle.
func New(cfg Config, factory driver.Factory) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("connection factory is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		events:  newEventDispatcher(),
		logger:  log.With().Str("component", "connpool").Logger(),
		tracer:  otel.Tracer("github.com/sqlbridge/connpool/pkg/pool"),
		ctx:     ctx,
		cancel:  cancel,
	}

	p.initialize()

	p.wg.Add(1)
	go p.healthLoop()

	p.logger.Info().
		Int("min", cfg.Min).
		Int("max", cfg.Max).
		Dur("health_check_interval", cfg.HealthCheckInterval).
		Msg("Connection pool initialized")
	p.emitEvent(EventInitialized, "")

	return p, nil
}

func (p *Pool) initialize() {
	for i := 0; i < p.cfg.Min; i++ {
		if err := p.addIdleConnection(); err != nil {
			p.logger.Warn().Err(err).
				Int("index", i).
				Msg("Eager connection creation failed; pool starts below minimum")
		}
	}
}

// Acquire lends a connection to the caller under the configured acquire
// timeout. The caller owns the connection until Release.
func (p *Pool) Acquire(ctx context.Context) (*PoolConnection, error) {
	return p.AcquireTimeout(ctx, p.cfg.AcquireTimeout)
}

// AcquireTimeout lends a connection, waiting at most the given timeout for
// one to free up. Waiters are served strictly FIFO; callers whose context is
// cancelled stop waiting without counting as a timeout.
func (p *Pool) AcquireTimeout(ctx context.Context, timeout time.Duration) (*PoolConnection, error) {
	ctx, span := p.tracer.Start(ctx, "pool.acquire")
	defer span.End()

	start := time.Now()
	deadline := start.Add(timeout)

	for attempt := 0; ; attempt++ {
		// A borrow-validation failure retries with whatever budget
		// remains, clamped at zero: an exhausted budget fails now rather
		// than arming a negative timer.
		if attempt > 0 && !time.Now().Before(deadline) {
			atomic.AddInt64(&p.stats.timedOut, 1)
			span.SetStatus(codes.Error, "acquire timeout")
			return nil, ErrAcquireTimeout
		}

		c, w, err := p.next()
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		if c != nil {
			if p.cfg.ValidateOnBorrow && !p.validateBorrowed(c) {
				p.removeConnection(c, "failed borrow validation")
				continue
			}
			p.finishAcquire(c, start, span)
			return c, nil
		}

		// Pool saturated: wait for a release to hand a connection over.
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)

		select {
		case got := <-w.ch:
			timer.Stop()
			if got == nil {
				return nil, ErrPoolClosed
			}
			if p.cfg.ValidateOnBorrow && !p.validateBorrowed(got) {
				p.removeConnection(got, "failed borrow validation")
				continue
			}
			p.finishAcquire(got, start, span)
			return got, nil

		case <-timer.C:
			if !p.cancelWaiter(w) {
				// Lost the race to a concurrent hand-off. Take the
				// connection and put it straight back so the next waiter
				// gets it; this caller still reports a timeout.
				if got := <-w.ch; got != nil {
					p.Release(got)
				}
			}
			atomic.AddInt64(&p.stats.timedOut, 1)
			span.SetStatus(codes.Error, "acquire timeout")
			return nil, ErrAcquireTimeout

		case <-ctx.Done():
			timer.Stop()
			if !p.cancelWaiter(w) {
				if got := <-w.ch; got != nil {
					p.Release(got)
				}
			}
			span.RecordError(ctx.Err())
			return nil, ctx.Err()
		}
	}
}

// next reserves an idle connection, creates a new one below Max, or
// registers a FIFO waiter. Exactly one of the connection and the waiter is
// non-nil on success.
func (p *Pool) next() (*PoolConnection, *waiter, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrPoolClosed
	}

	if c := p.firstIdleLocked(); c != nil {
		c.state = StateActive
		c.touch()
		p.mu.Unlock()
		return c, nil, nil
	}

	if len(p.conns)+p.pending < p.cfg.Max {
		p.pending++
		p.mu.Unlock()

		c, err := p.dial()

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.mu.Unlock()
			return nil, nil, err
		}
		if p.closed {
			p.mu.Unlock()
			c.raw.Close()
			return nil, nil, ErrPoolClosed
		}
		c.state = StateActive
		p.conns = append(p.conns, c)
		p.mu.Unlock()

		atomic.AddInt64(&p.stats.created, 1)
		p.emitEvent(EventConnectionCreated, c.id)
		return c, nil, nil
	}

	w := newWaiter()
	p.waiters.push(w)
	p.mu.Unlock()
	return nil, w, nil
}

// firstIdleLocked returns the first idle connection in creation order, or
// nil. Selection is deterministic, not load-balanced.
func (p *Pool) firstIdleLocked() *PoolConnection {
	for _, c := range p.conns {
		if c.state == StateIdle {
			return c
		}
	}
	return nil
}

func (p *Pool) containsLocked(target *PoolConnection) bool {
	for _, c := range p.conns {
		if c == target {
			return true
		}
	}
	return false
}

// dial invokes the factory under the connection timeout and wraps the
// result. The returned connection is not yet tracked by the pool.
func (p *Pool) dial() (*PoolConnection, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	raw, err := p.factory(ctx)
	if err != nil {
		atomic.AddInt64(&p.stats.errors, 1)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return newPoolConnection(raw), nil
}

// addIdleConnection creates one connection and adds it to the idle set,
// waking a pending waiter if any. Used for eager initialization and
// background replenishment.
func (p *Pool) addIdleConnection() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if len(p.conns)+p.pending >= p.cfg.Max {
		p.mu.Unlock()
		return ErrPoolExhausted
	}
	p.pending++
	p.mu.Unlock()

	c, err := p.dial()

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if p.closed {
		p.mu.Unlock()
		c.raw.Close()
		return ErrPoolClosed
	}
	c.state = StateIdle
	p.conns = append(p.conns, c)
	handoffs := p.drainLocked()
	p.mu.Unlock()

	atomic.AddInt64(&p.stats.created, 1)
	p.deliver(handoffs)
	p.emitEvent(EventConnectionCreated, c.id)
	return nil
}

func (p *Pool) finishAcquire(c *PoolConnection, start time.Time, span trace.Span) {
	wait := time.Since(start)
	atomic.AddInt64(&p.stats.acquired, 1)
	atomic.AddInt64(&p.stats.totalWaitNano, int64(wait))
	span.SetAttributes(
		attribute.String("conn_id", c.id),
		attribute.Int64("wait_ms", wait.Milliseconds()),
	)
	p.emitEvent(EventConnectionAcquired, c.id)
}

// Release returns a lent connection to the idle set and hands freed
// connections to pending waiters in FIFO order. A stray or duplicate
// release is a caller bug, not a pool failure: it is logged and ignored so
// a cleanup path can never fail here.
func (p *Pool) Release(c *PoolConnection) {
	if c == nil {
		p.logger.Warn().Msg("Release of nil connection ignored")
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		// Close already tore every connection down, so a deferred release
		// arriving during shutdown is routine rather than a caller bug.
		p.logger.Debug().Str("conn_id", c.id).Msg("Release after close ignored")
		return
	}
	if !p.containsLocked(c) || c.state != StateActive {
		state := c.state
		p.mu.Unlock()
		p.logger.Warn().
			Str("conn_id", c.id).
			Str("state", state.String()).
			Msg("Release of unknown or already released connection ignored")
		return
	}
	c.state = StateIdle
	c.touch()
	handoffs := p.drainLocked()
	p.mu.Unlock()

	atomic.AddInt64(&p.stats.released, 1)
	p.deliver(handoffs)
	p.emitEvent(EventConnectionReleased, c.id)
}

// drainLocked matches idle connections with pending waiters, oldest waiter
// first. Each connection is marked Active before its waiter is resolved.
// Caller holds the pool mutex; the returned handoffs are delivered after
// unlocking.
func (p *Pool) drainLocked() []handoff {
	var hs []handoff
	for p.waiters.len() > 0 {
		c := p.firstIdleLocked()
		if c == nil {
			break
		}
		w := p.waiters.pop()
		w.settled = true
		c.state = StateActive
		c.touch()
		hs = append(hs, handoff{w: w, c: c})
	}
	return hs
}

func (p *Pool) deliver(hs []handoff) {
	for _, h := range hs {
		h.w.ch <- h.c
	}
}

// cancelWaiter deregisters a pending waiter, reporting false when the
// waiter was already settled, in which case a value is in flight on its
// channel.
func (p *Pool) cancelWaiter(w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.settled {
		return false
	}
	w.settled = true
	p.waiters.remove(w)
	return true
}

// validateBorrowed validates a connection that is reserved for a single
// caller. The connection is Active (reserved, not yet lent), so neither the
// health checker nor another acquirer can reach it while the validation
// query runs.
func (p *Pool) validateBorrowed(c *PoolConnection) bool {
	p.mu.Lock()
	c.state = StateValidating
	p.mu.Unlock()
	return p.validate(c, StateActive)
}

// validate runs the health-check query against a connection already in
// Validating state and applies the transition: okState on success, Error on
// failure. Removal of a failed connection is the caller's job.
func (p *Pool) validate(c *PoolConnection, okState ConnState) bool {
	qctx, cancel := context.WithTimeout(p.ctx, p.cfg.QueryTimeout)
	defer cancel()

	_, err := c.raw.Exec(qctx, p.cfg.HealthCheckQuery)

	p.mu.Lock()
	if err != nil {
		c.state = StateError
		atomic.AddInt64(&c.errorCount, 1)
		atomic.AddInt64(&p.stats.errors, 1)
		p.mu.Unlock()
		p.logger.Warn().
			Err(fmt.Errorf("%w: %w", ErrValidationFailed, err)).
			Str("conn_id", c.id).
			Msg("Connection failed validation")
		return false
	}
	c.state = okState
	c.touch()
	var hs []handoff
	if okState == StateIdle {
		hs = p.drainLocked()
	}
	p.mu.Unlock()

	p.deliver(hs)
	return true
}

// removeConnection destroys a connection. The underlying close always runs,
// even for connections already believed broken.
func (p *Pool) removeConnection(c *PoolConnection, reason string) {
	p.mu.Lock()
	p.removeLocked(c)
	p.mu.Unlock()

	p.finishRemoval(c, reason)
}

// removeLocked splices a connection out of the tracked set and marks it
// Closed, making it ineligible for acquire in the same critical section
// that decided its fate. Caller holds the pool mutex and closes the raw
// handle afterward via finishRemoval.
func (p *Pool) removeLocked(c *PoolConnection) {
	for i, pc := range p.conns {
		if pc == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	c.state = StateClosed
}

// finishRemoval closes the raw handle of a connection already detached
// from the tracked set.
func (p *Pool) finishRemoval(c *PoolConnection, reason string) {
	if err := c.raw.Close(); err != nil {
		p.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Error closing removed connection")
	}

	p.logger.Debug().Str("conn_id", c.id).Str("reason", reason).Msg("Removed connection")
	p.emitEvent(EventConnectionRemoved, c.id)
}

// Query acquires a connection, executes one statement under the query
// timeout, and always releases the connection, even on execution error.
func (p *Pool) Query(ctx context.Context, query string, args ...interface{}) (driver.Result, error) {
	ctx, span := p.tracer.Start(ctx, "pool.query")
	defer span.End()

	c, err := p.Acquire(ctx)
	if err != nil {
		return driver.Result{}, err
	}
	defer p.Release(c)

	qctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()

	res, err := c.raw.Exec(qctx, query, args...)
	atomic.AddInt64(&p.stats.queries, 1)
	atomic.AddInt64(&c.queryCount, 1)
	if err != nil {
		atomic.AddInt64(&c.errorCount, 1)
		atomic.AddInt64(&p.stats.errors, 1)
		span.RecordError(err)
		return driver.Result{}, err
	}
	return res, nil
}

// Close tears the pool down: pending waiters are rejected with
// ErrPoolClosed, every connection is closed, and all further operations
// fail. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ws := p.waiters.drain()
	for _, w := range ws {
		w.settled = true
	}
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	// Reject waiters before touching connections so no release path can
	// resurrect one.
	for _, w := range ws {
		w.ch <- nil
	}

	p.cancel()
	p.wg.Wait()

	for _, c := range conns {
		if err := c.raw.Close(); err != nil {
			p.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Error closing connection during shutdown")
		}
	}
	p.mu.Lock()
	for _, c := range conns {
		c.state = StateClosed
	}
	p.mu.Unlock()

	p.logger.Info().Int("connections_closed", len(conns)).Msg("Connection pool closed")
	p.emitEvent(EventClosed, "")
	return nil
}
