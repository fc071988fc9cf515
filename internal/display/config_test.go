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

package display

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplayConfig(t *testing.T) {
	t.Run("roundtrip through file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "display.yml")

		original := NewDefaultConfig()
		original.Display.ID = "display-lobby"
		original.Display.Credential = "token"
		original.Coordinator.Endpoint = "ws://192.168.1.10:8080/ws"
		require.NoError(t, SaveConfig(original, path))

		loaded, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "display-lobby", loaded.Display.ID)
		assert.Equal(t, "ws://192.168.1.10:8080/ws", loaded.Coordinator.Endpoint)
		assert.Equal(t, 5555, loaded.Coordinator.DiscoveryPort)
		assert.Equal(t, 3*time.Second, loaded.DiscoveryTimeout())
		assert.Equal(t, 10*time.Second, loaded.HeartbeatInterval())
	})

	t.Run("generated id when missing", func(t *testing.T) {
		config := &Config{}
		config.applyDefaults()
		assert.NotEmpty(t, config.Display.ID)
	})

	t.Run("missing credential rejected", func(t *testing.T) {
		config := NewDefaultConfig()
		config.Display.Credential = ""
		assert.Error(t, config.Validate())
	})

	t.Run("bad discovery port rejected", func(t *testing.T) {
		config := NewDefaultConfig()
		config.Coordinator.DiscoveryPort = -5
		assert.Error(t, config.Validate())
	})
}
