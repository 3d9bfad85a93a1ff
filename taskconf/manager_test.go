package taskconf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/task"
	mocks "github.com/chhtz/tools-orocosrb/testutil"
)

const cameraConf = `
default:
  fps: 30
  device: /dev/video0
  exposure:
    mode: auto
    limits: {min: 1, max: 100}
fast:
  fps: 60
  exposure:
    limits: {max: 10}
`

const rockStyleConf = `--- name:default
threshold: 0.5
frame: imu
--- name:calibrated
threshold: 0.1
--- name:empty
`

func writeConf(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func loaded(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	writeConf(t, dir, "camera::Task.yml", cameraConf)
	writeConf(t, dir, "imu::Filter.yaml", rockStyleConf)
	writeConf(t, dir, "README.md", "not a configuration")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yml"), 0o700))

	m := NewManager(nil)
	require.NoError(t, m.LoadDir(dir))
	return m
}

func TestManager_LoadDir(t *testing.T) {
	m := loaded(t)

	assert.Equal(t, []string{"camera::Task", "imu::Filter"}, m.Models())
	assert.Equal(t, []string{"default", "fast"}, m.Sections("camera::Task"))
	assert.Equal(t, []string{"calibrated", "default", "empty"}, m.Sections("imu::Filter"))
	assert.Empty(t, m.Sections("unknown"))
}

func TestManager_LoadErrors(t *testing.T) {
	m := NewManager(nil)
	assert.True(t, errors.IsInvalid(m.LoadDir(filepath.Join(t.TempDir(), "missing"))))

	dir := t.TempDir()
	writeConf(t, dir, "broken.yml", "default: [unterminated")
	assert.True(t, errors.IsInvalid(m.LoadDir(dir)))
}

func TestManager_Resolve(t *testing.T) {
	m := loaded(t)

	tests := []struct {
		name     string
		model    string
		sections []string
		want     Section
	}{
		{
			name:  "default when no section is named",
			model: "camera::Task",
			want: Section{
				"fps":    30,
				"device": "/dev/video0",
				"exposure": map[string]any{
					"mode":   "auto",
					"limits": map[string]any{"min": 1, "max": 100},
				},
			},
		},
		{
			name:     "later sections override, nested maps merge",
			model:    "camera::Task",
			sections: []string{"default", "fast"},
			want: Section{
				"fps":    60,
				"device": "/dev/video0",
				"exposure": map[string]any{
					"mode":   "auto",
					"limits": map[string]any{"min": 1, "max": 10},
				},
			},
		},
		{
			name:     "rock style headers",
			model:    "imu::Filter",
			sections: []string{"default", "calibrated"},
			want:     Section{"threshold": 0.1, "frame": "imu"},
		},
		{
			name:     "empty section",
			model:    "imu::Filter",
			sections: []string{"empty"},
			want:     Section{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Resolve(tt.model, tt.sections...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unknown section", func(t *testing.T) {
		_, err := m.Resolve("camera::Task", "default", "slow")
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrNotFound)
		assert.Contains(t, err.Error(), "slow")
	})

	t.Run("result does not alias stored sections", func(t *testing.T) {
		got, err := m.Resolve("camera::Task", "default", "fast")
		require.NoError(t, err)
		got["exposure"].(map[string]any)["mode"] = "manual"

		again, err := m.Resolve("camera::Task")
		require.NoError(t, err)
		assert.Equal(t, "auto", again["exposure"].(map[string]any)["mode"])
	})
}

func newCamera(t *testing.T) *task.LocalTask {
	t.Helper()
	camera := task.NewLocalTask("camera")
	require.NoError(t, camera.AddProperty("fps", "/int32_t", 10, func(v any) error {
		if n, ok := v.(int); ok && n > 50 {
			return fmt.Errorf("fps %d above hardware limit", n)
		}
		return nil
	}))
	require.NoError(t, camera.AddProperty("device", "/std/string", "", nil))
	require.NoError(t, camera.AddProperty("exposure", "/camera/Exposure", nil, nil))
	return camera
}

func TestManager_Apply(t *testing.T) {
	ctx := context.Background()
	m := loaded(t)

	t.Run("applies every property", func(t *testing.T) {
		camera := newCamera(t)
		h := task.NewHandle("camera", camera)
		require.NoError(t, m.Apply(ctx, h, "camera::Task"))

		fps, err := h.Property(ctx, "fps")
		require.NoError(t, err)
		assert.Equal(t, 30, fps)
		device, err := h.Property(ctx, "device")
		require.NoError(t, err)
		assert.Equal(t, "/dev/video0", device)
	})

	t.Run("rejected value", func(t *testing.T) {
		h := task.NewHandle("camera", newCamera(t))
		err := m.Apply(ctx, h, "camera::Task", "default", "fast")
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrPropertyChangeRejected)
	})

	t.Run("property missing on the task", func(t *testing.T) {
		h := task.NewHandle("imu", task.NewLocalTask("imu"))
		err := m.Apply(ctx, h, "imu::Filter")
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrPropertyChangeRejected)
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})

	t.Run("communication failure", func(t *testing.T) {
		remote := mocks.NewMockRemote("camera", task.Stopped)
		remote.Props["device"] = ""
		remote.Fail("set_property", mocks.ErrMockConnection)
		err := m.Apply(ctx, task.NewHandle("camera", remote), "camera::Task")
		require.Error(t, err)
		assert.True(t, errors.IsCom(err))
		assert.NotErrorIs(t, err, errors.ErrPropertyChangeRejected)
	})

	t.Run("unknown section sets nothing", func(t *testing.T) {
		remote := mocks.NewMockRemote("camera", task.Stopped)
		err := m.Apply(ctx, task.NewHandle("camera", remote), "camera::Task", "nope")
		assert.ErrorIs(t, err, errors.ErrNotFound)
		assert.Zero(t, remote.CallCount("set_property"))
	})
}
