package pool

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sqlbridge/connpool/pkg/driver"
)

// ConnState is the lifecycle state of a pooled connection.
type ConnState int32

const (
	// StateIdle means the connection is available for lending.
	StateIdle ConnState = iota
	// StateActive means the connection is lent to exactly one caller.
	StateActive
	// StateValidating means the connection is running its health-check
	// query. Only Idle connections enter this state; a lent connection is
	// never validated.
	StateValidating
	// StateClosed is terminal: the underlying connection has been torn
	// down.
	StateClosed
	// StateError means the connection failed validation and is pending
	// removal.
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateValidating:
		return "validating"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// PoolConnection wraps a raw driver connection with pool-managed metadata.
// The state and lastUsedAt fields are guarded by the owning pool's mutex;
// the counters are atomics because the current holder bumps them while the
// statistics snapshot reads them.
type PoolConnection struct {
	id         string
	raw        driver.Conn
	state      ConnState
	createdAt  time.Time
	lastUsedAt time.Time
	queryCount int64
	errorCount int64
}

func newPoolConnection(raw driver.Conn) *PoolConnection {
	now := time.Now()
	return &PoolConnection{
		id:         uuid.New().String(),
		raw:        raw,
		state:      StateIdle,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// ID returns the pool-assigned connection identifier.
func (c *PoolConnection) ID() string {
	return c.id
}

// Raw returns the underlying driver connection. The handle is owned
// exclusively by the caller between Acquire and Release; the pool never
// touches a handle it has lent out.
func (c *PoolConnection) Raw() driver.Conn {
	return c.raw
}

// CreatedAt returns the creation time of the connection.
func (c *PoolConnection) CreatedAt() time.Time {
	return c.createdAt
}

// QueryCount returns the number of statements executed through Pool.Query
// on this connection.
func (c *PoolConnection) QueryCount() int64 {
	return atomic.LoadInt64(&c.queryCount)
}

// ErrorCount returns the number of failed validations and statement errors
// recorded against this connection.
func (c *PoolConnection) ErrorCount() int64 {
	return atomic.LoadInt64(&c.errorCount)
}

// isExpired reports whether the connection has sat idle past the given
// timeout. Only Idle connections expire; the pool uses this solely to
// shrink surplus connections above the configured minimum. Caller holds the
// pool mutex.
func (c *PoolConnection) isExpired(idleTimeout time.Duration) bool {
	if idleTimeout <= 0 {
		return false
	}
	return c.state == StateIdle && time.Since(c.lastUsedAt) > idleTimeout
}

// touch updates the last-used timestamp. Caller holds the pool mutex.
func (c *PoolConnection) touch() {
	c.lastUsedAt = time.Now()
}
