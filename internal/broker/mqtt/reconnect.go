package mqtt

import (
	"context"

	"mqtt-edge-gateway/config"
)

// StartReconnect launches the reconnect worker unless one is already
// running. It reports whether a new worker was started.
func (cm *ConnectionManager) StartReconnect(reason string) bool {
	return cm.startReconnect(false, reason)
}

// ReconnectRunning reports whether the reconnect worker is active.
func (cm *ConnectionManager) ReconnectRunning() bool {
	return cm.reconnecting.Load()
}

func (cm *ConnectionManager) startReconnect(immediate bool, reason string) bool {
	if cm.ctx.Err() != nil {
		return false
	}
	if !cm.reconnecting.CompareAndSwap(false, true) {
		cm.logger.Debug("reconnect already in progress", "reason", reason)
		return false
	}

	ctx, cancel := context.WithCancel(cm.ctx)
	done := make(chan struct{})
	cm.mu.Lock()
	cm.reconnectCancel = cancel
	cm.reconnectDone = done
	cm.mu.Unlock()

	if !cm.IsConnected() {
		cm.setState(cm.idleState())
	}

	cm.wg.Add(1)
	go cm.reconnectLoop(ctx, cancel, done, immediate, reason)
	return true
}

// stopReconnect cancels the worker and waits until it has fully exited, so
// a following StartReconnect cannot race its cleanup.
func (cm *ConnectionManager) stopReconnect() {
	cm.mu.Lock()
	cancel := cm.reconnectCancel
	done := cm.reconnectDone
	cm.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// reconnectLoop retries until a session is up or ctx is cancelled. Every
// attempt waits the policy delay (skipped once when immediate), probes the
// broker over TCP and only then runs a full connect.
func (cm *ConnectionManager) reconnectLoop(ctx context.Context, cancel context.CancelFunc, done chan struct{}, immediate bool, reason string) {
	defer cm.wg.Done()
	defer func() {
		cancel()
		cm.mu.Lock()
		cm.reconnectCancel = nil
		cm.reconnectDone = nil
		cm.mu.Unlock()
		cm.reconnecting.Store(false)
		if !cm.IsConnected() {
			cm.setState(cm.idleState())
		}
		close(done)
	}()

	cm.logger.Info("reconnect worker started", "reason", reason)

	for {
		cm.mu.Lock()
		cm.retry.Attempts++
		attempt := cm.retry.Attempts
		cfg := cm.cfg
		delay := cm.policy.Delay(attempt)
		cm.mu.Unlock()

		if immediate {
			delay = 0
			immediate = false
		}

		if delay > 0 {
			cm.logger.Info("waiting before reconnect attempt",
				"attempt", attempt,
				"delay", delay)
			select {
			case <-cm.clock.After(delay):
			case <-ctx.Done():
				cm.logger.Info("reconnect worker stopped")
				return
			}
		}

		if cm.IsConnected() {
			cm.logger.Info("session restored by transport, reconnect worker exiting")
			cm.mu.Lock()
			cm.retry.Attempts = 0
			cm.mu.Unlock()
			return
		}

		if err := cm.probe(ctx, cfg.BrokerAddress()); err != nil {
			if ctx.Err() != nil {
				return
			}
			cm.logger.Warn("broker unreachable",
				"broker", cfg.BrokerAddress(),
				"attempt", attempt,
				"error", err)
			cm.markFailure()
			continue
		}

		connected, stopped := cm.attemptConnect(ctx, cfg)
		if stopped {
			return
		}
		if connected {
			cm.logger.Info("reconnected to mqtt broker", "attempt", attempt)
			cm.stats.IncReconnects()
			cm.metrics.IncMQTTReconnects()
			return
		}
		cm.markFailure()
	}
}

// attemptConnect runs one connect under connectMu unless the worker was
// cancelled or a session came up while it waited for the lock.
func (cm *ConnectionManager) attemptConnect(ctx context.Context, cfg config.MQTTConfig) (connected, stopped bool) {
	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	if ctx.Err() != nil {
		return false, true
	}
	if cm.IsConnected() {
		return false, true
	}
	return cm.connect(cfg), false
}

func (cm *ConnectionManager) markFailure() {
	cm.mu.Lock()
	cm.retry.LastFailure = cm.clock.Now()
	cm.mu.Unlock()
}
