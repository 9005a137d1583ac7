package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// healthLoop runs periodic maintenance cycles until the pool is closed.
func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runHealthCycle()
		}
	}
}

// runHealthCycle reaps expired idle connections, validates the remaining
// idle ones, and replenishes the pool back up to its minimum. Connections
// lent to callers are never touched.
func (p *Pool) runHealthCycle() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	var doomed, toValidate []*PoolConnection
	surplus := len(p.conns) - p.cfg.Min
	for _, c := range p.conns {
		if c.state != StateIdle {
			continue
		}
		if surplus > 0 && c.isExpired(p.cfg.IdleTimeout) {
			doomed = append(doomed, c)
			surplus--
			continue
		}
		if p.cfg.TestWhileIdle {
			c.state = StateValidating
			toValidate = append(toValidate, c)
		}
	}
	// Expired connections leave the tracked set before the mutex is
	// released, so a concurrent acquire can never be handed one whose raw
	// handle is about to be closed.
	for _, c := range doomed {
		p.removeLocked(c)
	}
	p.mu.Unlock()

	for _, c := range doomed {
		p.finishRemoval(c, "idle timeout")
	}

	// Validations run concurrently; one slow backend probe must not stall
	// the rest of the cycle.
	var cycle sync.WaitGroup
	for _, c := range toValidate {
		cycle.Add(1)
		go func(c *PoolConnection) {
			defer cycle.Done()
			if !p.validate(c, StateIdle) {
				p.removeConnection(c, "failed health check")
			}
		}(c)
	}
	cycle.Wait()

	p.replenish()
}

// replenish restores the pool to its minimum size. Each creation is retried
// with a constant backoff; a creation that still fails is logged and left
// for the next cycle.
func (p *Pool) replenish() {
	for {
		p.mu.Lock()
		need := !p.closed && len(p.conns)+p.pending < p.cfg.Min
		p.mu.Unlock()
		if !need {
			return
		}

		op := func() error {
			err := p.addIdleConnection()
			if errors.Is(err, ErrPoolClosed) || errors.Is(err, ErrPoolExhausted) {
				return backoff.Permanent(err)
			}
			return err
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.RetryDelay), uint64(p.cfg.RetryAttempts)),
			p.ctx,
		)
		if err := backoff.Retry(op, policy); err != nil {
			p.logger.Warn().Err(err).Msg("Pool replenishment failed; operating below minimum")
			return
		}
	}
}
