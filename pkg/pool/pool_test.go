package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbridge/connpool/pkg/driver"
)

// fakeConn is an in-memory driver.Conn whose behavior tests can flip at
// runtime.
type fakeConn struct {
	mu      sync.Mutex
	failing bool
	closed  bool
	execs   int
}

func (f *fakeConn) Exec(ctx context.Context, query string, args ...interface{}) (driver.Result, error) {
	if err := ctx.Err(); err != nil {
		return driver.Result{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs++
	if f.failing {
		return driver.Result{}, errors.New("backend gone")
	}
	if f.closed {
		return driver.Result{}, errors.New("exec on closed connection")
	}
	return driver.Result{RowsAffected: 1}, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

// fakeBackend hands out fakeConns and remembers every connection it ever
// created.
type fakeBackend struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dials   int
	dialErr error
	failNew bool
}

func (b *fakeBackend) factory(ctx context.Context) (driver.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &fakeConn{failing: b.failNew}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBackend) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBackend) setDialErr(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

func (b *fakeBackend) breakAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.setFailing(true)
	}
}

// testConfig keeps timeouts short and the health loop effectively disabled
// so tests drive maintenance cycles explicitly.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Min = 2
	cfg.Max = 5
	cfg.AcquireTimeout = 500 * time.Millisecond
	cfg.ConnectionTimeout = time.Second
	cfg.QueryTimeout = time.Second
	cfg.HealthCheckInterval = time.Hour
	cfg.ValidateOnBorrow = false
	cfg.RetryAttempts = 1
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{}
	p, err := New(cfg, backend.factory)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, backend
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max", func(c *Config) { c.Max = 0 }},
		{"negative min", func(c *Config) { c.Min = -1 }},
		{"min above max", func(c *Config) { c.Min = 6; c.Max = 5 }},
		{"zero acquire timeout", func(c *Config) { c.AcquireTimeout = 0 }},
		{"zero connection timeout", func(c *Config) { c.ConnectionTimeout = 0 }},
		{"zero query timeout", func(c *Config) { c.QueryTimeout = 0 }},
		{"zero health interval", func(c *Config) { c.HealthCheckInterval = 0 }},
		{"empty health query", func(c *Config) { c.ValidateOnBorrow = true; c.HealthCheckQuery = "" }},
		{"negative retries", func(c *Config) { c.RetryAttempts = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, (&fakeBackend{}).factory)
			assert.Error(t, err)
		})
	}

	t.Run("nil factory", func(t *testing.T) {
		_, err := New(testConfig(), nil)
		assert.Error(t, err)
	})
}

func TestInitializeCreatesMinimum(t *testing.T) {
	p, backend := newTestPool(t, testConfig())

	st := p.Status()
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 2, st.Idle)
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 2, backend.dialCount())
	assert.EqualValues(t, 2, p.Statistics().Created)
}

func TestInitializeSurvivesFactoryFailure(t *testing.T) {
	backend := &fakeBackend{dialErr: errors.New("backend down")}
	p, err := New(testConfig(), backend.factory)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 0, p.Status().Size)
}

func TestAcquireReusesIdleBeforeGrowing(t *testing.T) {
	p, backend := newTestPool(t, testConfig())
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, backend.dialCount())

	c3, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, backend.dialCount())

	st := p.Status()
	assert.Equal(t, 3, st.Size)
	assert.Equal(t, 3, st.Active)

	p.Release(c1)
	p.Release(c2)
	p.Release(c3)
	st = p.Status()
	assert.Equal(t, 3, st.Idle)
	assert.Equal(t, 0, st.Active)
}

func TestAcquireNeverExceedsMax(t *testing.T) {
	cfg := testConfig()
	cfg.Min = 0
	cfg.Max = 3
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	var held []*PoolConnection
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		held = append(held, c)
	}

	_, err := p.AcquireTimeout(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrAcquireTimeout)

	st := p.Status()
	assert.Equal(t, 3, st.Size)
	assert.LessOrEqual(t, st.Active+st.Idle, cfg.Max)

	for _, c := range held {
		p.Release(c)
	}
}

func TestAcquireTimeoutWhenSaturated(t *testing.T) {
	cfg := testConfig()
	cfg.Min = 0
	cfg.Max = 1
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.AcquireTimeout(ctx, 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.EqualValues(t, 1, p.Statistics().TimedOut)

	p.Release(held)
}

func TestReleaseWakesWaitersInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Min = 0
	cfg.Max = 1
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	order := make(chan int, 2)
	var started sync.WaitGroup
	launch := func(n int) {
		started.Add(1)
		go func() {
			started.Done()
			c, err := p.AcquireTimeout(ctx, 2*time.Second)
			require.NoError(t, err)
			order <- n
			p.Release(c)
		}()
	}

	launch(1)
	started.Wait()
	// First waiter must be enqueued before the second arrives.
	require.Eventually(t, func() bool { return p.Status().Waiting == 1 }, time.Second, 5*time.Millisecond)
	launch(2)
	started.Wait()
	require.Eventually(t, func() bool { return p.Status().Waiting == 2 }, time.Second, 5*time.Millisecond)

	p.Release(held)

	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)
}

func TestDoubleReleaseIsNoOp(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(c)
	p.Release(c)
	p.Release(nil)

	st := p.Status()
	assert.Equal(t, 2, st.Idle)
	assert.Equal(t, 0, st.Active)
	assert.EqualValues(t, 1, p.Statistics().Released)
}

func TestReleaseAfterCloseIsNoOp(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Close())

	p.Release(c)
	assert.EqualValues(t, 0, p.Statistics().Released)
}

func TestReleaseForeignConnectionIsNoOp(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	stray := newPoolConnection(&fakeConn{})
	p.Release(stray)

	assert.EqualValues(t, 0, p.Statistics().Released)
	assert.Equal(t, 2, p.Status().Idle)
}

func TestAcquireContextCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.Min = 0
	cfg.Max = 1
	p, _ := newTestPool(t, cfg)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.AcquireTimeout(ctx, 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// A cancelled caller is not a timed-out caller.
	assert.EqualValues(t, 0, p.Statistics().TimedOut)

	p.Release(held)
}

func TestValidateOnBorrowReplacesBrokenConnection(t *testing.T) {
	cfg := testConfig()
	cfg.Min = 1
	cfg.Max = 2
	cfg.ValidateOnBorrow = true
	p, backend := newTestPool(t, cfg)

	backend.breakAll()

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// The broken eager connection was discarded and a fresh one dialed.
	assert.Equal(t, 2, backend.dialCount())
	assert.Equal(t, 1, p.Status().Size)

	p.Release(c)
}

func TestAcquireFailsWhenEveryConnectionFailsValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Min = 0
	cfg.Max = 1
	cfg.ValidateOnBorrow = true
	backend := &fakeBackend{failNew: true}
	p, err := New(cfg, backend.factory)
	require.NoError(t, err)
	defer p.Close()

	start := time.Now()
	_, err = p.AcquireTimeout(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, 0, p.Status().Size)
}

func TestAcquireSurfacesFactoryError(t *testing.T) {
	cfg := testConfig()
	cfg.Min = 0
	backend := &fakeBackend{dialErr: errors.New("dns misconfigured")}
	p, err := New(cfg, backend.factory)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Contains(t, err.Error(), "dns misconfigured")
}

func TestQuery(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	ctx := context.Background()

	res, err := p.Query(ctx, "UPDATE widgets SET n = n + 1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.RowsAffected)

	stats := p.Statistics()
	assert.EqualValues(t, 1, stats.Queries)
	assert.EqualValues(t, 1, stats.Acquired)
	assert.EqualValues(t, 1, stats.Released)
	assert.Equal(t, 0, p.Status().Active)
}

func TestQueryReleasesOnError(t *testing.T) {
	p, backend := newTestPool(t, testConfig())
	backend.breakAll()

	_, err := p.Query(context.Background(), "SELECT broken")
	require.Error(t, err)

	st := p.Status()
	assert.Equal(t, 0, st.Active)
	assert.EqualValues(t, 1, p.Statistics().Errors)
}

func TestCloseRejectsNewAcquires(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	require.NoError(t, p.Close())

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	_, err = p.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestCloseRejectsPendingWaiters(t *testing.T) {
	cfg := testConfig()
	cfg.Min = 0
	cfg.Max = 1
	p, _ := newTestPool(t, cfg)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := p.AcquireTimeout(context.Background(), 10*time.Second)
		result <- err
	}()
	require.Eventually(t, func() bool { return p.Status().Waiting == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())

	assert.ErrorIs(t, <-result, ErrPoolClosed)
	_ = held
}

func TestCloseClosesAllConnections(t *testing.T) {
	p, backend := newTestPool(t, testConfig())
	require.NoError(t, p.Close())

	assert.Equal(t, 0, p.Status().Size)
	for _, c := range backend.conns {
		c.mu.Lock()
		assert.True(t, c.closed)
		c.mu.Unlock()
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestConcurrentAcquireReleaseNoDoubleLend(t *testing.T) {
	cfg := testConfig()
	cfg.Min = 0
	cfg.Max = 3
	cfg.AcquireTimeout = 5 * time.Second
	p, _ := newTestPool(t, cfg)

	var lentMu sync.Mutex
	lent := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c, err := p.Acquire(context.Background())
				if !assert.NoError(t, err) {
					return
				}

				lentMu.Lock()
				if lent[c.ID()] {
					lentMu.Unlock()
					t.Errorf("connection %s lent to two callers at once", c.ID())
					p.Release(c)
					return
				}
				lent[c.ID()] = true
				lentMu.Unlock()

				time.Sleep(time.Millisecond)

				lentMu.Lock()
				delete(lent, c.ID())
				lentMu.Unlock()
				p.Release(c)
			}
		}()
	}
	wg.Wait()

	st := p.Status()
	assert.Equal(t, 0, st.Active)
	assert.LessOrEqual(t, st.Size, cfg.Max)
}

func TestStatisticsAccuracy(t *testing.T) {
	cfg := testConfig()
	cfg.Min = 0
	cfg.Max = 4
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		p.Release(c)
	}

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)

	stats := p.Statistics()
	assert.EqualValues(t, 52, stats.Acquired)
	assert.EqualValues(t, 50, stats.Released)
	assert.Equal(t, 2, stats.ActiveConnections)
	assert.InDelta(t, 50.0, stats.Utilization, 0.001)
	assert.GreaterOrEqual(t, stats.AverageWaitTime, time.Duration(0))

	p.Release(c1)
	p.Release(c2)
	stats = p.Statistics()
	assert.Equal(t, stats.Acquired, stats.Released)
}

func TestConnectionMetadata(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(c)

	assert.NotEmpty(t, c.ID())
	assert.NotNil(t, c.Raw())
	assert.WithinDuration(t, time.Now(), c.CreatedAt(), time.Minute)

	_, err = c.Raw().Exec(context.Background(), "SELECT 1")
	assert.NoError(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Min)
	assert.Equal(t, 10, cfg.Max)
	assert.Equal(t, 30*time.Second, cfg.AcquireTimeout)
	assert.Equal(t, "SELECT 1", cfg.HealthCheckQuery)
	assert.True(t, cfg.ValidateOnBorrow)
	assert.True(t, cfg.TestWhileIdle)
}

func TestManyPoolsAreIndependent(t *testing.T) {
	cfg := testConfig()
	cfg.Min = 1
	cfg.Max = 2

	var pools []*Pool
	for i := 0; i < 3; i++ {
		backend := &fakeBackend{}
		p, err := New(cfg, backend.factory)
		require.NoError(t, err, fmt.Sprintf("pool %d", i))
		pools = append(pools, p)
	}

	require.NoError(t, pools[1].Close())

	_, err := pools[1].Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	for _, i := range []int{0, 2} {
		c, err := pools[i].Acquire(context.Background())
		require.NoError(t, err)
		pools[i].Release(c)
		require.NoError(t, pools[i].Close())
	}
}
