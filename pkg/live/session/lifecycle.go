package session

import (
	"context"
	"fmt"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/core/live"
)

// renew replaces old with a fresh session before the service's connection
// limit is reached. The caller sees SessionRenewedEvent and never a
// DisconnectedEvent.
func (c *Controller) renew(old *Session, reason string) {
	c.mu.Lock()
	if c.session != old || c.life == nil || c.life.Err() != nil || c.renewing == c.life {
		c.mu.Unlock()
		return
	}
	life := c.life
	c.renewing = life
	c.session = nil
	c.speaking = false
	c.mu.Unlock()

	c.suspendListening()
	c.teardown(old)
	c.reopen(old, life, reason)
}

// renewExpired replaces old after the service closed it at its connection
// limit. handleClose has already released old.
func (c *Controller) renewExpired(old *Session) {
	c.mu.Lock()
	if c.session != nil || c.life == nil || c.life.Err() != nil || c.renewing == c.life || c.reconnecting == c.life {
		c.mu.Unlock()
		return
	}
	life := c.life
	c.renewing = life
	c.mu.Unlock()

	c.reopen(old, life, "session_expired")
}

// reopen opens and installs the successor of old with the current context.
// The caller has set c.renewing to life.
func (c *Controller) reopen(old *Session, life context.Context, reason string) {
	defer func() {
		c.mu.Lock()
		if c.renewing == life {
			c.renewing = nil
		}
		c.mu.Unlock()
	}()

	c.mu.Lock()
	ic := c.ictx.Clone()
	apiKey := c.apiKey
	c.mu.Unlock()

	log := c.log.With().Str("session_id", old.ID).Str("reason", reason).Logger()
	log.Info().Msg("renewing live session")

	s, err := c.open(life, ic, apiKey)
	if err != nil {
		if life.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("session renewal failed")
		c.publishError(err, false)
		go c.reconnectLoop(core.Classify(err))
		return
	}
	s.LastRenewal = s.StartTime

	if !c.install(s, life, false) {
		_ = s.closeTransport()
		_ = s.playback.Close()
		if life.Err() == nil {
			go c.reconnectLoop(core.NewConnectionError("connection lost right after renewal", s.readErr))
		}
		return
	}
	c.mu.Lock()
	c.reconnectAttempt = 0
	c.mu.Unlock()
	c.restoreListening()
	c.metrics.IncRenewal()
	c.bus.Publish(&live.SessionRenewedEvent{PreviousSessionID: old.ID, SessionID: s.ID, ExpiresAt: s.ExpiresAt})
}

// reconnectLoop re-establishes the session after an abnormal close with
// exponential backoff. Attempts accumulate across closes until a session has
// stayed up for StableAfter.
func (c *Controller) reconnectLoop(cause *core.Error) {
	c.mu.Lock()
	if c.life == nil || c.life.Err() != nil || c.reconnecting == c.life {
		c.mu.Unlock()
		return
	}
	life := c.life
	c.reconnecting = life
	c.mu.Unlock()

	// A successful install clears the mark itself so that a close of the new
	// session can start the next loop right away.
	endReconnect := func() {
		c.mu.Lock()
		if c.reconnecting == life {
			c.reconnecting = nil
		}
		c.mu.Unlock()
	}

	lastErr := cause
	for {
		c.mu.Lock()
		c.reconnectAttempt++
		attempt := c.reconnectAttempt
		ic := c.ictx.Clone()
		apiKey := c.apiKey
		c.mu.Unlock()

		if attempt > c.cfg.MaxReconnectAttempts {
			endReconnect()
			c.terminate("", exhausted(c.cfg.MaxReconnectAttempts, lastErr))
			return
		}

		delay := c.cfg.ReconnectDelay(attempt)
		c.metrics.IncReconnect()
		c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting live session")
		c.bus.Publish(&live.ReconnectingEvent{Attempt: attempt, Delay: delay})

		if err := c.sleep(life, delay); err != nil {
			endReconnect()
			return
		}

		s, err := c.open(life, ic, apiKey)
		if err != nil {
			if life.Err() != nil {
				endReconnect()
				return
			}
			lastErr = core.Classify(err)
			c.log.Warn().Err(err).Int("attempt", attempt).Str("error_type", string(lastErr.Type)).Msg("reconnect attempt failed")
			if !lastErr.IsRetryable() {
				endReconnect()
				c.terminate("", lastErr)
				return
			}
			continue
		}

		if !c.install(s, life, true) {
			_ = s.closeTransport()
			_ = s.playback.Close()
			if life.Err() != nil {
				endReconnect()
				return
			}
			lastErr = core.NewConnectionError("connection lost right after setup", s.readErr)
			continue
		}
		c.restoreListening()
		return
	}
}

func exhausted(max int, lastErr *core.Error) *core.Error {
	msg := fmt.Sprintf("reconnect failed after %d attempts", max)
	if lastErr == nil {
		return core.NewConnectionError(msg, nil)
	}
	out := core.NewConnectionError(fmt.Sprintf("%s: %s", msg, lastErr.Message), lastErr)
	out.Code = lastErr.Code
	return out
}

// terminate gives up on the session after a non-retryable fault or exhausted
// reconnects.
func (c *Controller) terminate(sessionID string, err *core.Error) {
	c.mu.Lock()
	if c.cancelLife != nil {
		c.cancelLife()
		c.cancelLife = nil
	}
	c.mu.Unlock()

	c.stopListeningIntent()
	c.publishError(err, true)
	c.bus.Publish(&live.DisconnectedEvent{SessionID: sessionID, Reason: err.Message})
}
