package health

import (
	"context"
	"sync"
	"time"

	"github.com/stackd/stackd/pkg/logging"
	"github.com/stackd/stackd/pkg/spec"
)

// Transition is emitted when a service's reported health changes.
// Transitions are delivered to the supervisor queue and never applied
// to run state directly.
type Transition struct {
	Service string
	Healthy bool
	Message string
	At      time.Time
}

// EmitFunc delivers a health transition to the supervisor
type EmitFunc func(Transition)

// Monitor periodically probes one service and applies hysteresis: a
// service is reported healthy after HealthyThreshold consecutive
// successes and unhealthy after UnhealthyThreshold consecutive
// failures. Any success resets the failure counter and vice versa, so
// transient blips never flap the reported state.
type Monitor struct {
	service string
	config  *spec.HealthCheckConfig
	prober  Prober
	pool    Pool
	emit    EmitFunc
	logger  logging.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// probe loop state, touched only by the loop goroutine
	consecutiveSuccesses int
	consecutiveFailures  int
	reportedHealthy      bool
	everReported         bool
}

// NewMonitor creates a monitor for one service. The caller starts it
// after the service process has spawned and stops it when the process
// goes away.
func NewMonitor(service string, config *spec.HealthCheckConfig, pool Pool, emit EmitFunc, logger logging.Logger) (*Monitor, error) {
	prober, err := NewProber(config)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		service:  service,
		config:   config,
		prober:   prober,
		pool:     pool,
		emit:     emit,
		logger:   logger,
		stopChan: make(chan struct{}),
	}, nil
}

// Start launches the probe loop
func (m *Monitor) Start() {
	m.logger.Debugf("Starting health monitor, service: %s, type: %s, interval: %v",
		m.service, m.config.Type, m.config.Interval())
	m.wg.Add(1)
	go m.loop()
}

// Stop terminates the probe loop and waits for it to finish. Safe to
// call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	if delay := m.config.InitialDelay(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-m.stopChan:
			return
		}
	}

	ticker := time.NewTicker(m.config.Interval())
	defer ticker.Stop()

	m.performCheck()

	for {
		select {
		case <-ticker.C:
			m.performCheck()
		case <-m.stopChan:
			m.logger.Debugf("Health monitor loop stopping, service: %s", m.service)
			return
		}
	}
}

func (m *Monitor) performCheck() {
	m.pool.acquire()
	defer m.pool.release()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout())
	defer cancel()

	if err := m.prober.Probe(ctx); err != nil {
		m.applyResult(false, err.Error())
		return
	}
	m.applyResult(true, "health check passed")
}

func (m *Monitor) applyResult(healthy bool, message string) {
	if healthy {
		m.consecutiveSuccesses++
		m.consecutiveFailures = 0

		if m.consecutiveSuccesses >= m.config.HealthyThreshold && (!m.everReported || !m.reportedHealthy) {
			m.reportedHealthy = true
			m.everReported = true
			m.logger.Infof("Health check recovered, service: %s, consecutive_successes: %d",
				m.service, m.consecutiveSuccesses)
			m.emit(Transition{Service: m.service, Healthy: true, Message: message, At: time.Now()})
		} else {
			m.logger.Debugf("Health check passed, service: %s, consecutive_successes: %d",
				m.service, m.consecutiveSuccesses)
		}
		return
	}

	m.consecutiveFailures++
	m.consecutiveSuccesses = 0

	if m.consecutiveFailures >= m.config.UnhealthyThreshold && (!m.everReported || m.reportedHealthy) {
		m.reportedHealthy = false
		m.everReported = true
		m.logger.Warnf("Health check unhealthy, service: %s, consecutive_failures: %d, message: %s",
			m.service, m.consecutiveFailures, message)
		m.emit(Transition{Service: m.service, Healthy: false, Message: message, At: time.Now()})
	} else {
		m.logger.Warnf("Health check failed, service: %s, consecutive_failures: %d, message: %s",
			m.service, m.consecutiveFailures, message)
	}
}
