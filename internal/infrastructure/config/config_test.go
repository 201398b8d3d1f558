package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("WORKER_PACKAGE", "org.example.sandbox")
	t.Setenv("WORKER_MANIFEST_GLOB", "/etc/workerhost/**/*.yaml")
	t.Setenv("WORKER_MAX_MODERATE_BINDINGS", "4")
	t.Setenv("WORKER_SPARE_ENABLED", "false")
	t.Setenv("WORKER_SPARE_REWARM_DELAY", "500ms")
	t.Setenv("WORKER_COMMAND", "/usr/lib/agentos/worker,--sandbox")
	t.Setenv("WORKER_SPAWN_COOLDOWN", "1m")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9100", cfg.Server.Addr())
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "org.example.sandbox", cfg.Launcher.Package)
	assert.Equal(t, "/etc/workerhost/**/*.yaml", cfg.Launcher.ManifestGlob)
	assert.Equal(t, 4, cfg.Launcher.MaxModerateBindings)
	assert.False(t, cfg.Launcher.SpareEnabled)
	assert.Equal(t, 500*time.Millisecond, cfg.Launcher.SpareRewarmDelay)
	assert.Equal(t, []string{"/usr/lib/agentos/worker", "--sandbox"}, cfg.ExecHost.Command)
	assert.Equal(t, time.Minute, cfg.ExecHost.SpawnCooldown)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unparsable", "WORKER_MAX_MODERATE_BINDINGS", "many"},
		{"negative cap", "WORKER_MAX_MODERATE_BINDINGS", "-1"},
		{"negative services", "WORKER_MAX_SERVICES", "-2"},
		{"negative rewarm delay", "WORKER_SPARE_REWARM_DELAY", "-1s"},
		{"zero rps", "RATE_LIMIT_RPS", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	t.Setenv("WORKER_SPAWN_COOLDOWN", "soon")
	assert.Equal(t, Default(), LoadOrDefault())
}

func TestEmptyPackageInvalid(t *testing.T) {
	cfg := Default()
	cfg.Launcher.Package = ""
	assert.ErrorContains(t, cfg.Validate(), "WORKER_PACKAGE")
}
