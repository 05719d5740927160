/*
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

// Package changemonitor reduces log noise when a value that may or may not
// have changed needs to be reported: it remembers the hash of the last
// value seen for a key and reports a change only when the hash differs.
package changemonitor

import (
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
)

const defaultVisibilityWindow = 30 * time.Minute

// Monitor tracks the last-seen hash per key within a fixed visibility
// window.
type Monitor struct {
	lastSeen *cache.Cache
}

// New returns a Monitor with the default visibility window.
func New() *Monitor {
	return &Monitor{
		lastSeen: cache.New(defaultVisibilityWindow, defaultVisibilityWindow/2),
	}
}

// HasChanged reports whether value's hash differs from the last one
// recorded for key, and records the new hash either way.
func (m *Monitor) HasChanged(key string, value any) bool {
	hv, _ := hashstructure.Hash(value, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	existing, ok := m.lastSeen.Get(key)
	var existingHash uint64
	if ok {
		existingHash = existing.(uint64)
	}
	if !ok || existingHash != hv {
		m.lastSeen.SetDefault(key, hv)
		return true
	}
	return false
}
