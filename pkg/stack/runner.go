package stack

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/stackd/stackd/pkg/errors"
	"github.com/stackd/stackd/pkg/graph"
	"github.com/stackd/stackd/pkg/logging"
	"github.com/stackd/stackd/pkg/monitor"
	"github.com/stackd/stackd/pkg/process"
	"github.com/stackd/stackd/pkg/secrets"
	"github.com/stackd/stackd/pkg/spec"
	"github.com/stackd/stackd/pkg/supervisor"
)

// Load reads a stack document and resolves its service graph. Both the
// document and the graph invariants are validated; nothing is started.
func Load(specFile string) (*spec.StackConfig, *graph.Graph, error) {
	config, err := spec.LoadFromFile(specFile)
	if err != nil {
		return nil, nil, err
	}
	g, err := graph.New(config.Services)
	if err != nil {
		return nil, nil, err
	}
	return config, g, nil
}

// Options overrides stack-level settings from the command line. Zero
// values defer to the stack document.
type Options struct {
	LogLevel       string
	MonitorAddress string
}

// Runner owns the lifetime of one running stack: the supervisor, the
// real process spawner, the secret store and the monitor endpoint.
type Runner struct {
	config *spec.StackConfig
	graph  *graph.Graph
	logger logging.Logger

	sup    *supervisor.Supervisor
	server *monitor.Server
}

// NewRunner loads the stack document and wires everything up. Nothing
// runs until Run is called.
func NewRunner(specFile string, options Options) (*Runner, error) {
	config, g, err := Load(specFile)
	if err != nil {
		return nil, err
	}

	logLevel := config.Stack.LogLevel
	if options.LogLevel != "" {
		logLevel = options.LogLevel
	}
	logger, err := logging.NewZapLogger(logging.ZapConfig{
		Level:  logLevel,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return nil, errors.NewValidationError("invalid log level", err).WithContext("log_level", logLevel)
	}

	sup := supervisor.NewSupervisor(
		g,
		process.NewExecSpawner(logger),
		secrets.NewEnvStore(),
		supervisor.Options{
			ReadinessGate: config.Stack.ReadinessGate,
			GracePeriod:   config.Stack.GracePeriod(),
		},
		logger,
	)

	runner := &Runner{
		config: config,
		graph:  g,
		logger: logger,
		sup:    sup,
	}

	address := config.Stack.MonitorAddress
	if options.MonitorAddress != "" {
		address = options.MonitorAddress
	}
	if address != "" {
		metrics := monitor.NewMetrics()
		sup.SetMetrics(metrics)
		runner.server = monitor.NewServer(address, sup, sup, metrics, logger)
	}

	return runner, nil
}

// Supervisor exposes the command interface of the running stack
func (r *Runner) Supervisor() *supervisor.Supervisor {
	return r.sup
}

// Run starts every service and supervises in the foreground until the
// context is cancelled or a shutdown is requested over the endpoint.
// With wait set, it first blocks until the stack settles and returns
// the failure set if any service landed in Failed.
func (r *Runner) Run(ctx context.Context, wait bool) error {
	name := r.config.Stack.Name
	if name == "" {
		name = "stack"
	}
	r.logger.Infof("Starting %s, services: %d", name, r.graph.Len())

	r.sup.Start()
	if r.server != nil {
		if err := r.server.Start(); err != nil {
			r.shutdown()
			return err
		}
	}

	if err := r.sup.StartAll(ctx); err != nil {
		r.shutdown()
		return err
	}

	if wait {
		if err := r.sup.WaitSettled(ctx); err != nil {
			r.logger.Errorf("Stack did not settle cleanly: %v", err)
			r.shutdown()
			return err
		}
		r.logger.Infof("Stack settled, all services are up")
	}

	shutdownRequests := make(<-chan struct{})
	if r.server != nil {
		shutdownRequests = r.server.ShutdownRequests()
	}

	select {
	case <-ctx.Done():
		r.logger.Infof("Received stop signal, shutting down...")
	case <-shutdownRequests:
		r.logger.Infof("Shutdown requested over the control endpoint")
	}

	r.shutdown()
	return nil
}

// shutdown stops the endpoint first so no new commands arrive while the
// services drain
func (r *Runner) shutdown() {
	deadline := r.config.Stack.GracePeriod()*2 + 30*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	if r.server != nil {
		if err := r.server.Stop(ctx); err != nil {
			r.logger.Warnf("Monitor endpoint shutdown failed: %v", err)
		}
	}
	if err := r.sup.Shutdown(ctx); err != nil {
		r.logger.Errorf("Supervisor shutdown failed: %v", err)
	}
}

// ExitCode maps an error to the process exit code contract: 0 success,
// 1 validation or parse failure, 2 dependency cycle, 3 services failed
// while waiting for the stack to settle.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.IsCycleError(err) {
		return 2
	}
	if errors.IsParseError(err) || errors.IsValidationError(err) || errors.IsIOError(err) {
		return 1
	}
	if errors.IsCascadeError(err) {
		return 3
	}

	var collection *errors.ErrorCollection
	if stderrors.As(err, &collection) {
		for _, member := range collection.Errors {
			if errors.IsCascadeError(member) {
				return 3
			}
		}
	}

	return 1
}
