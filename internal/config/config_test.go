package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(newViper())
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.True(t, cfg.UseGVisor)
	assert.Equal(t, DefaultGVisorRuntime, cfg.GVisorRuntime)
	assert.False(t, cfg.DisableRateLimit)
	assert.False(t, cfg.TrustProxyHeaders)
	assert.Equal(t, DefaultMaxContainers, cfg.MaxContainers)
	assert.InDelta(t, DefaultMaxMemoryPercent, cfg.MaxMemoryPercent, 0.001)
	assert.EqualValues(t, DefaultMaxMessageBytes, cfg.MaxMessageBytes)
}

func TestLoadGVisorEnvSemantics(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  bool
	}{
		{"explicit false disables", "false", false},
		{"true enables", "true", true},
		{"any other value enables", "yes", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SANDBOX_USE_GVISOR", tt.value)
			cfg, err := load(newViper())
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.UseGVisor)
		})
	}
}

func TestLoadCircuitEnvOverrides(t *testing.T) {
	t.Setenv("CIRCUIT_MAX_CONTAINERS", "3")
	t.Setenv("CIRCUIT_MAX_MEMORY_PERCENT", "50")

	cfg, err := load(newViper())
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxContainers)
	assert.InDelta(t, 50.0, cfg.MaxMemoryPercent, 0.001)
}

func TestLoadDisableRateLimit(t *testing.T) {
	t.Setenv("DISABLE_RATE_LIMIT", "true")

	cfg, err := load(newViper())
	require.NoError(t, err)
	assert.True(t, cfg.DisableRateLimit)
}

func TestLoadDevModeImpliesDisabledLimits(t *testing.T) {
	t.Setenv("SANDBOXD_DEV_MODE", "true")

	cfg, err := load(newViper())
	require.NoError(t, err)
	assert.True(t, cfg.DevMode)
	assert.True(t, cfg.DisableRateLimit)
}

func TestValidateGVisorRuntimeName(t *testing.T) {
	tests := []struct {
		name    string
		runtime string
		gvisor  bool
		wantErr bool
	}{
		{"default ok", "runsc", true, false},
		{"empty rejected", "", true, true},
		{"whitespace rejected", "run sc", true, true},
		{"leading space rejected", " runsc", true, true},
		{"empty ok when gvisor off", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := load(newViper())
			require.NoError(t, err)
			cfg.UseGVisor = tt.gvisor
			cfg.GVisorRuntime = tt.runtime

			err = cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSizes(t *testing.T) {
	cfg, err := load(newViper())
	require.NoError(t, err)

	cfg.ContainerMemory = "not-a-size"
	assert.Error(t, cfg.Validate())

	cfg.ContainerMemory = "256m"
	require.NoError(t, cfg.Validate())
	assert.EqualValues(t, 256*1024*1024, cfg.ContainerMemoryBytes())
}

func TestValidateBounds(t *testing.T) {
	cfg, err := load(newViper())
	require.NoError(t, err)

	cfg.MaxMemoryPercent = 0
	assert.Error(t, cfg.Validate())

	cfg.MaxMemoryPercent = 101
	assert.Error(t, cfg.Validate())

	cfg.MaxMemoryPercent = 85
	cfg.MaxContainers = -1
	assert.Error(t, cfg.Validate())
}

func TestTmpfsByteHelpers(t *testing.T) {
	cfg, err := load(newViper())
	require.NoError(t, err)

	assert.EqualValues(t, 50*1024*1024, cfg.HomeTmpfsBytes())
	assert.EqualValues(t, 10*1024*1024, cfg.TmpTmpfsBytes())
}
