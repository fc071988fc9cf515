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
	"fmt"
	"testing"
	"time"

	"marquee/internal/protocol"
)

func TestResultCache(t *testing.T) {
	t.Run("StoreAndCheck", func(t *testing.T) {
		rc := newResultCache(10, time.Minute)

		rc.Store("nonce-1", &protocol.CommandResultPayload{Nonce: "nonce-1", Success: true})

		result, found := rc.Check("nonce-1")
		if !found {
			t.Fatal("Expected cached result")
		}
		if !result.Success {
			t.Error("Expected cached result to be the stored one")
		}
	})

	t.Run("MissingNonce", func(t *testing.T) {
		rc := newResultCache(10, time.Minute)

		if _, found := rc.Check("never-stored"); found {
			t.Error("Expected no result for unknown nonce")
		}
	})

	t.Run("EmptyNonceIgnored", func(t *testing.T) {
		rc := newResultCache(10, time.Minute)

		rc.Store("", &protocol.CommandResultPayload{Success: true})
		if _, found := rc.Check(""); found {
			t.Error("Expected empty nonce to never be cached")
		}
	})

	t.Run("ExpiredEntry", func(t *testing.T) {
		rc := newResultCache(10, time.Nanosecond)

		rc.Store("nonce-1", &protocol.CommandResultPayload{Nonce: "nonce-1"})
		time.Sleep(time.Millisecond)

		if _, found := rc.Check("nonce-1"); found {
			t.Error("Expected expired entry to be treated as absent")
		}
	})

	t.Run("EvictsOldest", func(t *testing.T) {
		rc := newResultCache(2, time.Minute)

		for i := 0; i < 3; i++ {
			nonce := fmt.Sprintf("nonce-%d", i)
			rc.Store(nonce, &protocol.CommandResultPayload{Nonce: nonce})
		}

		if _, found := rc.Check("nonce-0"); found {
			t.Error("Expected oldest entry to be evicted")
		}
		if _, found := rc.Check("nonce-2"); !found {
			t.Error("Expected newest entry to survive")
		}
	})
}
