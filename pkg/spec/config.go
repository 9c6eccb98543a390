package spec

import (
	"os"
	"time"

	"github.com/stackd/stackd/pkg/errors"

	"gopkg.in/yaml.v3"
)

// RestartPolicy controls whether a service is restarted after an
// unexpected process exit
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// ReadinessGate controls when a dependency is considered satisfied
type ReadinessGate string

const (
	// ReadinessGateHealthy requires dependencies to be healthy before
	// dependents start
	ReadinessGateHealthy ReadinessGate = "healthy"

	// ReadinessGateStarted only requires dependencies to have spawned
	ReadinessGateStarted ReadinessGate = "started"
)

type HealthCheckType string

const (
	HealthCheckTypeCommand HealthCheckType = "command"
	HealthCheckTypeHTTP    HealthCheckType = "http"
)

// HealthCheckConfig describes the periodic probe for one service.
// Durations are expressed in whole seconds on the wire.
type HealthCheckConfig struct {
	Type                HealthCheckType `yaml:"type"`
	Target              string          `yaml:"target"` // command line or URL
	IntervalSeconds     int             `yaml:"interval_seconds,omitempty"`
	TimeoutSeconds      int             `yaml:"timeout_seconds,omitempty"`
	InitialDelaySeconds int             `yaml:"initial_delay_seconds,omitempty"`
	HealthyThreshold    int             `yaml:"healthy_threshold,omitempty"`
	UnhealthyThreshold  int             `yaml:"unhealthy_threshold,omitempty"`
}

func (c *HealthCheckConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c *HealthCheckConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *HealthCheckConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelaySeconds) * time.Second
}

// RestartTuning bounds the restart loop for a service
type RestartTuning struct {
	MaxRestarts       int `yaml:"max_restarts,omitempty"`
	BackoffSeconds    int `yaml:"backoff_seconds,omitempty"`
	BackoffCapSeconds int `yaml:"backoff_cap_seconds,omitempty"`
}

func (r *RestartTuning) Backoff() time.Duration {
	return time.Duration(r.BackoffSeconds) * time.Second
}

func (r *RestartTuning) BackoffCap() time.Duration {
	return time.Duration(r.BackoffCapSeconds) * time.Second
}

// StartConfig describes how to spawn the service process. Secret values
// are referenced by name and resolved through the secret store at spawn
// time, never embedded as literals.
type StartConfig struct {
	Command          string            `yaml:"command"`
	Args             []string          `yaml:"args,omitempty"`
	Environment      []string          `yaml:"environment,omitempty"` // KEY=VALUE
	Secrets          map[string]string `yaml:"secrets,omitempty"`     // ENV key -> secret name
	WorkingDirectory string            `yaml:"working_directory,omitempty"`
}

// ResourceLimits is informational to the supervisor core; enforcement is
// delegated to the underlying process manager
type ResourceLimits struct {
	CPUShares   int   `yaml:"cpu_shares,omitempty"`
	MemoryBytes int64 `yaml:"memory_bytes,omitempty"`
}

// ServiceSpec is the immutable declarative description of one service.
// Name is filled from the map key in the stack document.
type ServiceSpec struct {
	Name          string             `yaml:"-"`
	Start         StartConfig        `yaml:"start"`
	DependsOn     []string           `yaml:"depends_on,omitempty"`
	RestartPolicy RestartPolicy      `yaml:"restart_policy,omitempty"`
	Restart       RestartTuning      `yaml:"restart,omitempty"`
	HealthCheck   *HealthCheckConfig `yaml:"health_check,omitempty"`
	Ports         []int              `yaml:"ports,omitempty"` // informational only
	Limits        *ResourceLimits    `yaml:"limits,omitempty"`
}

// StackOptions represents stack-level configuration
type StackOptions struct {
	Name               string        `yaml:"name,omitempty"`
	LogLevel           string        `yaml:"log_level,omitempty"`
	ReadinessGate      ReadinessGate `yaml:"readiness_gate,omitempty"`
	GracePeriodSeconds int           `yaml:"grace_period_seconds,omitempty"`
	MonitorAddress     string        `yaml:"monitor_address,omitempty"` // empty disables the observation endpoint
}

func (o *StackOptions) GracePeriod() time.Duration {
	return time.Duration(o.GracePeriodSeconds) * time.Second
}

// StackConfig is the top-level stack document
type StackConfig struct {
	Stack    StackOptions            `yaml:"stack"`
	Services map[string]*ServiceSpec `yaml:"services"`
}

// LoadFromFile loads and validates a stack document from a YAML file.
// No partial result is returned on error.
func LoadFromFile(filename string) (*StackConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read stack file", err).WithContext("filename", filename)
	}
	config, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Parse parses and validates a stack document
func Parse(data []byte) (*StackConfig, error) {
	var config StackConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewParseError("failed to parse stack document", err)
	}

	// Fill names from map keys
	for name, service := range config.Services {
		if service == nil {
			service = &ServiceSpec{}
			config.Services[name] = service
		}
		service.Name = name
	}

	setDefaults(&config)

	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults applies default values to configuration
func setDefaults(config *StackConfig) {
	if config.Stack.LogLevel == "" {
		config.Stack.LogLevel = "info"
	}
	if config.Stack.ReadinessGate == "" {
		config.Stack.ReadinessGate = ReadinessGateHealthy
	}
	if config.Stack.GracePeriodSeconds == 0 {
		config.Stack.GracePeriodSeconds = 10
	}

	for _, service := range config.Services {
		if service.RestartPolicy == "" {
			service.RestartPolicy = RestartOnFailure
		}
		if service.Restart.MaxRestarts == 0 {
			service.Restart.MaxRestarts = 5
		}
		if service.Restart.BackoffSeconds == 0 {
			service.Restart.BackoffSeconds = 1
		}
		if service.Restart.BackoffCapSeconds == 0 {
			service.Restart.BackoffCapSeconds = 60
		}
		if service.HealthCheck != nil {
			hc := service.HealthCheck
			if hc.IntervalSeconds == 0 {
				hc.IntervalSeconds = 10
			}
			if hc.TimeoutSeconds == 0 {
				hc.TimeoutSeconds = 5
			}
			if hc.HealthyThreshold == 0 {
				hc.HealthyThreshold = 1
			}
			if hc.UnhealthyThreshold == 0 {
				hc.UnhealthyThreshold = 3
			}
		}
	}
}
