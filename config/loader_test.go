package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhtz/tools-orocosrb/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	loader := NewLoader()
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoader_Layers(t *testing.T) {
	base := writeFile(t, "base.yml", `
runtime:
  target: xenomai
nats:
  url: nats://robot:4222
  call_timeout: 5s
name_service:
  backends: [nats]
`)
	override := writeFile(t, "site.json", `{"nats": {"call_timeout": "250ms"}, "metrics": {"port": 9090}}`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "xenomai", cfg.Runtime.Target)
	assert.Equal(t, "nats://robot:4222", cfg.NATS.URL, "nested keys of earlier layers survive")
	assert.Equal(t, 250*time.Millisecond, cfg.NATS.CallTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.NATS.ConnectTimeout)
	assert.Equal(t, []string{BackendNATS}, cfg.NameService.Backends)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoader_Environment(t *testing.T) {
	t.Setenv(EnvTarget, "macosx")
	t.Setenv(EnvLogFile, "/tmp/run.txt")
	t.Setenv(EnvCallTimeout, "1500")
	t.Setenv(EnvConnectTimeout, "2s")
	t.Setenv(EnvDisableChildWatcher, "true")
	t.Setenv(EnvNameBackends, " nats , local,")
	t.Setenv(EnvNameServiceHost, "robot.local")

	cfg, err := NewLoader().LoadFile(writeFile(t, "orocos.yml", "runtime:\n  target: gnulinux\n"))
	require.NoError(t, err)

	assert.Equal(t, "macosx", cfg.Runtime.Target, "environment wins over files")
	assert.Equal(t, "/tmp/run.txt", cfg.Runtime.LogFile)
	assert.Equal(t, 1500*time.Millisecond, cfg.NATS.CallTimeout)
	assert.Equal(t, 2*time.Second, cfg.NATS.ConnectTimeout)
	assert.True(t, cfg.Process.DisableChildWatcher)
	assert.Equal(t, []string{BackendNATS, BackendLocal}, cfg.NameService.Backends)
	assert.Equal(t, "robot.local", cfg.NameService.Host)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) *Loader
	}{
		{
			name: "missing file",
			setup: func(t *testing.T) *Loader {
				l := NewLoader()
				l.AddLayer(filepath.Join(t.TempDir(), "missing.yml"))
				return l
			},
		},
		{
			name: "wrong extension",
			setup: func(t *testing.T) *Loader {
				l := NewLoader()
				l.AddLayer(writeFile(t, "orocos.toml", "target = 1"))
				return l
			},
		},
		{
			name: "malformed yaml",
			setup: func(t *testing.T) *Loader {
				l := NewLoader()
				l.AddLayer(writeFile(t, "orocos.yml", "nats: [unterminated"))
				return l
			},
		},
		{
			name: "bad duration",
			setup: func(t *testing.T) *Loader {
				l := NewLoader()
				l.AddLayer(writeFile(t, "orocos.yml", "nats:\n  call_timeout: soon\n"))
				return l
			},
		},
		{
			name: "bad environment timeout",
			setup: func(t *testing.T) *Loader {
				t.Setenv(EnvCallTimeout, "-5")
				return NewLoader()
			},
		},
		{
			name: "bad environment flag",
			setup: func(t *testing.T) *Loader {
				t.Setenv(EnvDisableChildWatcher, "perhaps")
				return NewLoader()
			},
		},
		{
			name: "validation",
			setup: func(t *testing.T) *Loader {
				l := NewLoader()
				l.AddLayer(writeFile(t, "orocos.yml", "name_service:\n  backends: [corba]\n"))
				l.EnableValidation(true)
				return l
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.setup(t).Load()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "got %v", err)
		})
	}
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "250", want: 250 * time.Millisecond},
		{in: "0.5", want: 500 * time.Microsecond},
		{in: "3s", want: 3 * time.Second},
		{in: "1m30s", want: 90 * time.Second},
		{in: "-1", wantErr: true},
		{in: "-1s", wantErr: true},
		{in: "later", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeout(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfig_SaveToFile(t *testing.T) {
	cfg := Default()
	cfg.Runtime.Target = "xenomai"
	cfg.NATS.CallTimeout = 3 * time.Second

	path := filepath.Join(t.TempDir(), "saved.yml")
	require.NoError(t, cfg.SaveToFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	assert.Error(t, cfg.SaveToFile(filepath.Join(t.TempDir(), "saved.txt")))
}
