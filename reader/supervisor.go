package reader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bookflow/logger"
	"bookflow/models"
)

// State describes where a supervised connection is in its lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// Supervisor owns the connection lifecycle of a single adapter. It dials,
// drives the keepalive ticker, and re-dials with a fixed backoff when the
// transport dies. After max_reconnect_attempts consecutive failed dials the
// supervisor gives up and parks the connection in StateStopped. A successful
// dial resets the failure count.
type Supervisor struct {
	adapter Adapter
	opts    models.ExchangeOptions

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	state   State
	running bool
	log     *logger.Log
}

func NewSupervisor(adapter Adapter, opts models.ExchangeOptions) *Supervisor {
	return &Supervisor{
		adapter: adapter,
		opts:    opts,
		state:   StateDisconnected,
		log:     logger.GetLogger(),
	}
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor for %s already running", s.adapter.Name())
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.log.WithComponent("supervisor").WithFields(logger.Fields{
		"exchange": s.adapter.Name(),
		"kind":     string(s.adapter.Kind()),
	}).Info("starting connection supervisor")

	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop cancels the run loop and waits for it to exit. The adapter is
// disconnected by the loop itself, so no receive or poll goroutines outlive
// this call.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.WithComponent("supervisor").WithFields(logger.Fields{
		"exchange": s.adapter.Name(),
	}).Info("connection supervisor stopped")
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) Adapter() Adapter {
	return s.adapter
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()

	if prev != state {
		s.log.WithComponent("supervisor").WithFields(logger.Fields{
			"exchange": s.adapter.Name(),
			"from":     string(prev),
			"to":       string(state),
		}).Info("connection state changed")
	}
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	log := s.log.WithComponent("supervisor").WithFields(logger.Fields{"exchange": s.adapter.Name()})
	failures := 0

	for {
		if s.ctx.Err() != nil {
			s.setState(StateStopped)
			return
		}
		if s.State() == StateDisconnected {
			s.setState(StateConnecting)
		}

		fatal, err := s.adapter.Connect(s.ctx)
		if err != nil {
			failures++
			log.WithError(err).WithFields(logger.Fields{
				"attempt":      failures,
				"max_attempts": s.opts.MaxReconnectAttempts,
			}).Warn("connect failed")

			if failures >= s.opts.MaxReconnectAttempts {
				log.Error("max reconnect attempts reached, giving up")
				s.setState(StateStopped)
				return
			}

			s.setState(StateReconnecting)
			logger.IncrementReconnect()
			select {
			case <-time.After(s.opts.ReconnectBackoff()):
			case <-s.ctx.Done():
				s.setState(StateStopped)
				return
			}
			continue
		}

		failures = 0
		s.setState(StateConnected)

		alive := s.watch(fatal, log)
		s.adapter.Disconnect()
		if !alive {
			s.setState(StateStopped)
			return
		}

		s.setState(StateReconnecting)
		logger.IncrementReconnect()
		select {
		case <-time.After(s.opts.ReconnectBackoff()):
		case <-s.ctx.Done():
			s.setState(StateStopped)
			return
		}
	}
}

// watch blocks while the session is healthy. It returns true when the
// transport died and a reconnect should follow, false on shutdown.
func (s *Supervisor) watch(fatal <-chan error, log *logger.Entry) bool {
	var pingC <-chan time.Time
	if s.adapter.Kind() == models.KindWebsocket && s.opts.PingInterval() > 0 {
		ticker := time.NewTicker(s.opts.PingInterval())
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return false
		case err := <-fatal:
			log.WithError(err).Warn("transport failed, scheduling reconnect")
			return true
		case <-pingC:
			if err := s.adapter.Ping(s.ctx); err != nil {
				log.WithError(err).Warn("keepalive failed, scheduling reconnect")
				return true
			}
		}
	}
}
