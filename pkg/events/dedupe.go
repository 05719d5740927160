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

package events

import (
	"time"

	"github.com/patrickmn/go-cache"
)

const dedupeCacheSweepInterval = time.Minute

type dedupeCache struct {
	seen *cache.Cache
}

func newDedupeCache() *dedupeCache {
	return &dedupeCache{seen: cache.New(time.Hour, dedupeCacheSweepInterval)}
}

// shouldEmit reports whether an event with this key hasn't been seen
// within its own DedupeTimeout. The key is recorded only when it is
// emitted, so a suppressed repeat does not extend the window.
func (d *dedupeCache) shouldEmit(e Event) bool {
	key := dedupeKey(e)
	if _, ok := d.seen.Get(key); ok {
		return false
	}
	d.seen.Set(key, struct{}{}, e.DedupeTimeout)
	return true
}
