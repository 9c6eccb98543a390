package spec

import (
	"testing"
	"time"

	"github.com/stackd/stackd/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("full document", func(t *testing.T) {
		config, err := Parse([]byte(`
stack:
  name: shop
  log_level: debug
  readiness_gate: started
  grace_period_seconds: 20
  monitor_address: 127.0.0.1:7670
services:
  db:
    start:
      command: /usr/bin/postgres
      args: ["-D", "/var/lib/pg"]
      environment:
        - PGPORT=5432
      secrets:
        PGPASSWORD: db_password
      working_directory: /var/lib/pg
    restart_policy: always
    restart:
      max_restarts: 10
      backoff_seconds: 2
      backoff_cap_seconds: 120
    health_check:
      type: command
      target: pg_isready
      interval_seconds: 5
      timeout_seconds: 3
      healthy_threshold: 2
      unhealthy_threshold: 4
    ports: [5432]
  api:
    start:
      command: /usr/bin/api
    depends_on: [db]
    health_check:
      type: http
      target: http://127.0.0.1:8080/healthz
`))
		require.NoError(t, err)

		assert.Equal(t, "shop", config.Stack.Name)
		assert.Equal(t, "debug", config.Stack.LogLevel)
		assert.Equal(t, ReadinessGateStarted, config.Stack.ReadinessGate)
		assert.Equal(t, 20*time.Second, config.Stack.GracePeriod())
		assert.Equal(t, "127.0.0.1:7670", config.Stack.MonitorAddress)

		db := config.Services["db"]
		require.NotNil(t, db)
		assert.Equal(t, "db", db.Name, "name is filled from the map key")
		assert.Equal(t, "/usr/bin/postgres", db.Start.Command)
		assert.Equal(t, []string{"-D", "/var/lib/pg"}, db.Start.Args)
		assert.Equal(t, "db_password", db.Start.Secrets["PGPASSWORD"])
		assert.Equal(t, RestartAlways, db.RestartPolicy)
		assert.Equal(t, 10, db.Restart.MaxRestarts)
		assert.Equal(t, 2*time.Second, db.Restart.Backoff())
		assert.Equal(t, 120*time.Second, db.Restart.BackoffCap())
		assert.Equal(t, HealthCheckTypeCommand, db.HealthCheck.Type)
		assert.Equal(t, 5*time.Second, db.HealthCheck.Interval())
		assert.Equal(t, 2, db.HealthCheck.HealthyThreshold)

		api := config.Services["api"]
		require.NotNil(t, api)
		assert.Equal(t, []string{"db"}, api.DependsOn)
		assert.Equal(t, HealthCheckTypeHTTP, api.HealthCheck.Type)
	})

	t.Run("defaults", func(t *testing.T) {
		config, err := Parse([]byte(`
services:
  svc:
    start:
      command: /usr/bin/svc
    health_check:
      type: http
      target: http://127.0.0.1:9090/ping
`))
		require.NoError(t, err)

		assert.Equal(t, "info", config.Stack.LogLevel)
		assert.Equal(t, ReadinessGateHealthy, config.Stack.ReadinessGate)
		assert.Equal(t, 10*time.Second, config.Stack.GracePeriod())

		svc := config.Services["svc"]
		assert.Equal(t, RestartOnFailure, svc.RestartPolicy)
		assert.Equal(t, 5, svc.Restart.MaxRestarts)
		assert.Equal(t, 1*time.Second, svc.Restart.Backoff())
		assert.Equal(t, 60*time.Second, svc.Restart.BackoffCap())
		assert.Equal(t, 10*time.Second, svc.HealthCheck.Interval())
		assert.Equal(t, 5*time.Second, svc.HealthCheck.Timeout())
		assert.Equal(t, 1, svc.HealthCheck.HealthyThreshold)
		assert.Equal(t, 3, svc.HealthCheck.UnhealthyThreshold)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Parse([]byte("services: [broken"))
		require.Error(t, err)
		assert.True(t, errors.IsParseError(err))
	})

	t.Run("no services", func(t *testing.T) {
		_, err := Parse([]byte("stack:\n  name: empty\n"))
		require.Error(t, err)
		assert.True(t, errors.IsValidationError(err))
	})
}

func TestValidate(t *testing.T) {
	base := func() []byte {
		return []byte(`
services:
  db:
    start:
      command: /usr/bin/postgres
  api:
    start:
      command: /usr/bin/api
    depends_on: [db]
`)
	}

	t.Run("valid base document", func(t *testing.T) {
		_, err := Parse(base())
		assert.NoError(t, err)
	})

	invalid := []struct {
		name     string
		document string
	}{
		{
			"missing command",
			`
services:
  svc:
    start:
      args: ["run"]
`,
		},
		{
			"unknown restart policy",
			`
services:
  svc:
    start:
      command: /usr/bin/svc
    restart_policy: sometimes
`,
		},
		{
			"self dependency",
			`
services:
  svc:
    start:
      command: /usr/bin/svc
    depends_on: [svc]
`,
		},
		{
			"unknown dependency",
			`
services:
  svc:
    start:
      command: /usr/bin/svc
    depends_on: [ghost]
`,
		},
		{
			"duplicate dependency",
			`
services:
  db:
    start:
      command: /usr/bin/db
  svc:
    start:
      command: /usr/bin/svc
    depends_on: [db, db]
`,
		},
		{
			"bad health check type",
			`
services:
  svc:
    start:
      command: /usr/bin/svc
    health_check:
      type: icmp
      target: 127.0.0.1
`,
		},
		{
			"health check without target",
			`
services:
  svc:
    start:
      command: /usr/bin/svc
    health_check:
      type: http
`,
		},
		{
			"port out of range",
			`
services:
  svc:
    start:
      command: /usr/bin/svc
    ports: [70000]
`,
		},
		{
			"negative max restarts",
			`
services:
  svc:
    start:
      command: /usr/bin/svc
    restart:
      max_restarts: -2
`,
		},
		{
			"empty secret name",
			`
services:
  svc:
    start:
      command: /usr/bin/svc
      secrets:
        API_KEY: ""
`,
		},
		{
			"bad readiness gate",
			`
stack:
  readiness_gate: eventually
services:
  svc:
    start:
      command: /usr/bin/svc
`,
		},
		{
			"bad log level",
			`
stack:
  log_level: verbose
services:
  svc:
    start:
      command: /usr/bin/svc
`,
		},
	}

	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.document))
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err), "expected a validation error, got: %v", err)
		})
	}
}

func TestValidateServiceName(t *testing.T) {
	assert.NoError(t, ValidateServiceName("db"))
	assert.NoError(t, ValidateServiceName("api-v2"))
	assert.NoError(t, ValidateServiceName("worker_1"))

	assert.Error(t, ValidateServiceName(""))
	assert.Error(t, ValidateServiceName("has space"))
	assert.Error(t, ValidateServiceName("slash/name"))

	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidateServiceName(string(long)))
}
