/*
Copyright 2024 Stepwise Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/stepwisehq/stepwise/lib/defaults"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, defaults.HTTPListenPort, cfg.Port)
	require.Equal(t, defaults.MaxSessions, cfg.MaxSessions)
	require.Equal(t, defaults.IdleTimeout, cfg.IdleTimeout)
	require.Equal(t, defaults.ViewportWidth, cfg.ViewportWidth)
	require.Equal(t, defaults.SessionTokenBytes, cfg.SessionTokenBytes)
	require.False(t, cfg.Debug)
	require.NotEmpty(t, cfg.TempDir)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv(defaults.EnvPort, "9090")
	t.Setenv(defaults.EnvMaxSessions, "3")
	t.Setenv(defaults.EnvIdleTimeoutMs, "2000")
	t.Setenv(defaults.EnvTempDir, "/tmp/elsewhere")
	t.Setenv(defaults.EnvDebug, "1")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, 3, cfg.MaxSessions)
	require.Equal(t, 2*time.Second, cfg.IdleTimeout)
	require.Equal(t, "/tmp/elsewhere", cfg.TempDir)
	require.True(t, cfg.Debug)
}

func TestFromEnvRejectsGarbage(t *testing.T) {
	t.Setenv(defaults.EnvPort, "not-a-number")
	_, err := FromEnv()
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestCheckAndSetDefaults(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "port out of range", mutate: func(c *Config) { c.Port = 70000 }},
		{name: "zero sessions", mutate: func(c *Config) { c.MaxSessions = 0 }},
		{name: "negative idle timeout", mutate: func(c *Config) { c.IdleTimeout = -time.Second }},
		{name: "huge viewport", mutate: func(c *Config) { c.ViewportWidth = 5000 }},
		{name: "quality out of range", mutate: func(c *Config) { c.ScreencastQuality = 101 }},
		{name: "weak token", mutate: func(c *Config) { c.SessionTokenBytes = 8 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := FromEnv()
			require.NoError(t, err)
			tt.mutate(cfg)
			require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))
		})
	}
}
