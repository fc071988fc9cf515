// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("roundtrip through file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "coordinator.yml")

		original := NewDefaultConfig()
		original.Server.ListenAddress = "0.0.0.0:9090"
		original.Registration.Secret = "shared-secret"
		require.NoError(t, SaveConfig(original, path))

		loaded, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0:9090", loaded.Server.ListenAddress)
		assert.Equal(t, "shared-secret", loaded.Registration.Secret)
		assert.Equal(t, "/ws", loaded.Server.Path)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "coordinator.yml")
		require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0600))

		_, err := LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("defaults applied", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "coordinator.yml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_address: \":8080\"\n"), 0600))

		config, err := LoadConfig(path)
		require.NoError(t, err)
		assert.NotEmpty(t, config.Server.ID)
		assert.Equal(t, 5555, config.Discovery.Port)
		assert.Equal(t, 10*time.Second, config.HeartbeatInterval())
		assert.Equal(t, 30*time.Second, config.HeartbeatTimeout())
		assert.Equal(t, 5*time.Second, config.SweepInterval())
	})
}

func TestConfigValidate(t *testing.T) {
	t.Run("missing listen address", func(t *testing.T) {
		config := NewDefaultConfig()
		config.Server.ListenAddress = ""
		assert.Error(t, config.Validate())
	})

	t.Run("listen address without port", func(t *testing.T) {
		config := NewDefaultConfig()
		config.Server.ListenAddress = "localhost"
		assert.Error(t, config.Validate())
	})

	t.Run("timeout multiplier too small", func(t *testing.T) {
		config := NewDefaultConfig()
		config.Heartbeat.TimeoutMultiplier = 1
		assert.Error(t, config.Validate())
	})

	t.Run("bad discovery port", func(t *testing.T) {
		config := NewDefaultConfig()
		config.Discovery.Port = 70000
		assert.Error(t, config.Validate())
	})

	t.Run("listen port helper", func(t *testing.T) {
		config := NewDefaultConfig()
		config.Server.ListenAddress = "127.0.0.1:8080"
		assert.Equal(t, 8080, config.ListenPort())
	})
}
