package manifest

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Fixtures
// =============================================================================

const productDBManifest = `
services:
  broker:
    command: [redis-server, --port, "${PDB_REDIS_PORT}"]
    restart: default
  store:
    command: [postgres, -D, "${STACK_STATE_DIR}"]
    owns: ["${STACK_STATE_DIR}"]
  build:
    command: [python, manage.py, collectstatic, --noinput]
    depends_on: [broker, store]
    oneshot: true
  web:
    command: [gunicorn, --bind, "unix:${STACK_SOCKET}", productdb.wsgi]
    depends_on: [build, store, broker]
    requires: [PDB_DATABASE_HOST, PDB_DATABASE_PORT]
    socket: true
    reload_signal: SIGHUP
    restart:
      max_restarts: 5
      window: 10m
      delay: 2s
  proxy:
    command: [nginx, -g, "daemon off;"]
    depends_on: [build, web]
    ports: ["8443:443"]
    tls: true
    restart: "no"
`

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_ProductDB(t *testing.T) {
	services, err := Parse([]byte(productDBManifest))
	require.NoError(t, err)
	require.Len(t, services, 5)

	names := make([]string, len(services))
	for i, s := range services {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"broker", "store", "build", "web", "proxy"}, names, "document order is kept")

	broker := services[0]
	require.NotNil(t, broker.Restart)
	assert.Equal(t, domain.DefaultRestartPolicy(), *broker.Restart)

	build := services[2]
	assert.True(t, build.Oneshot)
	assert.Equal(t, []string{"broker", "store"}, build.DependsOn)

	web := services[3]
	assert.True(t, web.Socket)
	assert.Equal(t, "SIGHUP", web.ReloadSignal)
	require.NotNil(t, web.Restart)
	assert.Equal(t, domain.RestartPolicy{MaxRestarts: 5, Window: 10 * time.Minute, Delay: 2 * time.Second}, *web.Restart)

	proxy := services[4]
	assert.Nil(t, proxy.Restart)
	assert.True(t, proxy.TLS)
	assert.Equal(t, []string{"8443:443"}, proxy.Ports)

	assert.Nil(t, services[1].Restart, "no restart key means no policy")
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"empty", "   \n", ErrEmptyInput},
		{"invalid yaml", "services: [unclosed", ErrInvalidYAML},
		{"scalar document", "hello", ErrInvalidYAML},
		{"no services key", "version: 1\n", ErrNoServices},
		{"empty services", "services: {}\n", ErrNoServices},
		{"missing command", "services:\n  web: {socket: true}\n", ErrNoCommand},
		{"bad name", "services:\n  Web:\n    command: [x]\n", ErrInvalidServiceName},
		{"unknown restart shorthand", "services:\n  web:\n    command: [x]\n    restart: sometimes\n", ErrInvalidRestart},
		{"negative budget", "services:\n  web:\n    command: [x]\n    restart: {max_restarts: -1, window: 1s}\n", ErrInvalidRestart},
		{"budget without window", "services:\n  web:\n    command: [x]\n    restart: {max_restarts: 3}\n", ErrInvalidRestart},
		{"service not a mapping", "services:\n  web: [x]\n", ErrInvalidYAML},
		{"bad duration", "services:\n  web:\n    command: [x]\n    restart: {max_restarts: 1, window: forever}\n", ErrInvalidYAML},
		{"unknown signal", "services:\n  web:\n    command: [x]\n    reload_signal: SIGNOPE\n", domain.ErrInvalidManifest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, domain.ErrInvalidManifest)
			assert.True(t, domain.IsConfigurationError(err))
		})
	}
}

// =============================================================================
// Compose Import Tests
// =============================================================================

const productDBCompose = `
services:
  database:
    image: postgres:15
    environment:
      POSTGRES_PASSWORD: ${PDB_DATABASE_PASSWORD}
      POSTGRES_DB: productdb
    volumes:
      - pgdata:/var/lib/postgresql/data
    restart: always
  redis:
    image: redis:7
  migrate:
    image: productdb:latest
    command: ["python", "manage.py", "migrate"]
    depends_on:
      database:
        condition: service_started
  web:
    image: productdb:latest
    command: ["gunicorn", "productdb.wsgi"]
    ports:
      - "127.0.0.1:8000:8000"
    volumes:
      - ./static:/app/static:ro
    environment:
      PDB_DATABASE_HOST: database
      PDB_TIME_ZONE: ${PDB_TIME_ZONE:-UTC}
    depends_on:
      redis:
        condition: service_started
      migrate:
        condition: service_completed_successfully
volumes:
  pgdata:
`

func TestImportCompose_ProductDB(t *testing.T) {
	services, err := ImportCompose(context.Background(), []byte(productDBCompose))
	require.NoError(t, err)
	require.Len(t, services, 4)

	byName := make(map[string]domain.ServiceDescriptor)
	for _, s := range services {
		byName[s.Name] = s
	}

	db := byName["database"]
	assert.Equal(t, []string{"pgdata"}, db.Volumes)
	assert.Equal(t, []string{"PDB_DATABASE_PASSWORD"}, db.Requires)
	require.NotNil(t, db.Restart)
	assert.Equal(t, domain.DefaultRestartPolicy(), *db.Restart)
	assert.Contains(t, db.Command, "${STACK_VOLUME_PGDATA}:/var/lib/postgresql/data")
	assert.Contains(t, db.Command, "POSTGRES_PASSWORD=${PDB_DATABASE_PASSWORD}")
	assert.Equal(t, []string{"docker", "run", "--rm", "--name", "${STACK_CONTAINER_NAME}", "--network", "${STACK_NETWORK}"}, db.Command[:7])

	migrate := byName["migrate"]
	assert.True(t, migrate.Oneshot)
	assert.Equal(t, []string{"database"}, migrate.DependsOn)
	assert.Equal(t, []string{"productdb:latest", "python", "manage.py", "migrate"}, migrate.Command[len(migrate.Command)-4:])

	web := byName["web"]
	assert.False(t, web.Oneshot)
	assert.Equal(t, []string{"migrate", "redis"}, web.DependsOn)
	assert.Equal(t, []string{"127.0.0.1:8000:8000/tcp"}, web.Ports)
	assert.Contains(t, web.Command, "${STACK_PUBLISH_0}")
	assert.Contains(t, web.Command, "./static:/app/static:ro")
	assert.Empty(t, web.Requires, "defaulted variables are not required")
	assert.Nil(t, web.Restart)
}

func TestImportCompose_SingleNetworkKept(t *testing.T) {
	input := "services:\n  web:\n    image: nginx\n    networks: [back]\nnetworks:\n  back: {}\n"
	services, err := ImportCompose(context.Background(), []byte(input))
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, []string{"back"}, services[0].Networks)
}

func TestImportCompose_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"empty", "", ErrEmptyInput},
		{"invalid yaml", "services: [", ErrInvalidYAML},
		{"build only", "services:\n  web:\n    build: .\n", ErrNoImage},
		{
			"secrets",
			"services:\n  web:\n    image: nginx\nsecrets:\n  token:\n    file: ./token\n",
			ErrUnsupportedFeature,
		},
		{
			"several networks",
			"services:\n  web:\n    image: nginx\n    networks: [front, back]\nnetworks:\n  front: {}\n  back: {}\n",
			ErrUnsupportedFeature,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ImportCompose(context.Background(), []byte(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
