package spec

import (
	"fmt"

	"github.com/stackd/stackd/pkg/errors"
)

// ValidateServiceName validates service name format and constraints
func ValidateServiceName(name string) error {
	if name == "" {
		return errors.NewValidationError("service name cannot be empty", nil)
	}

	if len(name) > 64 {
		return errors.NewValidationError("service name cannot exceed 64 characters", nil)
	}

	for _, char := range name {
		if !isValidNameChar(char) {
			return errors.NewValidationError("service name contains invalid characters: only letters, numbers, hyphens, and underscores are allowed", nil)
		}
	}

	return nil
}

// Validate validates the entire stack document. Every error is a
// ValidationError; the caller gets the first problem found.
func Validate(config *StackConfig) error {
	if config == nil {
		return errors.NewValidationError("stack configuration cannot be nil", nil)
	}

	if err := validateStackOptions(&config.Stack); err != nil {
		return err
	}

	if len(config.Services) == 0 {
		return errors.NewValidationError("stack must define at least one service", nil)
	}

	for name, service := range config.Services {
		if err := validateService(name, service, config.Services); err != nil {
			return err
		}
	}

	return nil
}

func validateStackOptions(options *StackOptions) error {
	switch options.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", options.LogLevel),
			nil,
		).WithContext("valid_levels", "debug, info, warn, error")
	}

	switch options.ReadinessGate {
	case ReadinessGateHealthy, ReadinessGateStarted:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("invalid readiness gate: %s", options.ReadinessGate),
			nil,
		).WithContext("valid_gates", "healthy, started")
	}

	if options.GracePeriodSeconds < 0 {
		return errors.NewValidationError("grace period cannot be negative", nil)
	}

	return nil
}

func validateService(name string, service *ServiceSpec, all map[string]*ServiceSpec) error {
	if err := ValidateServiceName(name); err != nil {
		return errors.NewValidationError("invalid service name", err).WithContext("service", name)
	}

	if service.Start.Command == "" {
		return errors.NewValidationError("start command is required", nil).WithContext("service", name)
	}

	switch service.RestartPolicy {
	case RestartNever, RestartOnFailure, RestartAlways:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported restart policy: %s", service.RestartPolicy),
			nil,
		).WithContext("service", name).WithContext("supported_policies", "never, on-failure, always")
	}

	if service.Restart.MaxRestarts < 0 || service.Restart.BackoffSeconds < 0 || service.Restart.BackoffCapSeconds < 0 {
		return errors.NewValidationError("restart tuning values cannot be negative", nil).WithContext("service", name)
	}

	seenDeps := make(map[string]bool)
	for _, dep := range service.DependsOn {
		if dep == name {
			return errors.NewValidationError("service cannot depend on itself", nil).WithContext("service", name)
		}
		if _, exists := all[dep]; !exists {
			return errors.NewValidationError(
				fmt.Sprintf("unknown dependency reference: %s", dep),
				nil,
			).WithContext("service", name).WithContext("dependency", dep)
		}
		if seenDeps[dep] {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate dependency reference: %s", dep),
				nil,
			).WithContext("service", name)
		}
		seenDeps[dep] = true
	}

	if service.HealthCheck != nil {
		if err := validateHealthCheck(service.HealthCheck); err != nil {
			return errors.NewValidationError("invalid health check", err).WithContext("service", name)
		}
	}

	for _, port := range service.Ports {
		if port <= 0 || port > 65535 {
			return errors.NewValidationError(
				fmt.Sprintf("invalid port number: %d", port),
				nil,
			).WithContext("service", name).WithContext("valid_range", "1-65535")
		}
	}

	if service.Limits != nil {
		if service.Limits.CPUShares < 0 || service.Limits.MemoryBytes < 0 {
			return errors.NewValidationError("resource limits cannot be negative", nil).WithContext("service", name)
		}
	}

	for key, secretName := range service.Start.Secrets {
		if key == "" {
			return errors.NewValidationError("secret environment key cannot be empty", nil).WithContext("service", name)
		}
		if secretName == "" {
			return errors.NewValidationError(
				fmt.Sprintf("secret reference for %s cannot be empty", key),
				nil,
			).WithContext("service", name)
		}
	}

	return nil
}

func validateHealthCheck(hc *HealthCheckConfig) error {
	switch hc.Type {
	case HealthCheckTypeCommand, HealthCheckTypeHTTP:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported health check type: %s", hc.Type),
			nil,
		).WithContext("supported_types", "command, http")
	}

	if hc.Target == "" {
		return errors.NewValidationError("health check target is required", nil)
	}

	if hc.IntervalSeconds <= 0 {
		return errors.NewValidationError("health check interval must be positive", nil)
	}
	if hc.TimeoutSeconds <= 0 {
		return errors.NewValidationError("health check timeout must be positive", nil)
	}
	if hc.InitialDelaySeconds < 0 {
		return errors.NewValidationError("health check initial delay cannot be negative", nil)
	}
	if hc.HealthyThreshold <= 0 {
		return errors.NewValidationError("healthy threshold must be positive", nil)
	}
	if hc.UnhealthyThreshold <= 0 {
		return errors.NewValidationError("unhealthy threshold must be positive", nil)
	}

	return nil
}

func isValidNameChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_'
}
