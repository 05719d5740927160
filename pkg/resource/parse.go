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

// Package resource parses the orchestrator's free-form CPU and memory
// quantity strings into millicores and bytes. Parsing is total: it never
// returns an error, coercing anything it cannot make sense of to zero so
// that planning can always make progress.
package resource

import (
	"strconv"
	"strings"
)

// binary and decimal memory suffixes, longest first so e.g. "Ki" is tried
// before "K" would ever be (the grammar never overlaps, but order still
// matters for future additions).
var binarySuffixes = []struct {
	suffix string
	factor int64
}{
	{"Ti", 1024 * 1024 * 1024 * 1024},
	{"Gi", 1024 * 1024 * 1024},
	{"Mi", 1024 * 1024},
	{"Ki", 1024},
}

var decimalSuffixes = []struct {
	suffix string
	factor int64
}{
	{"T", 1_000_000_000_000},
	{"G", 1_000_000_000},
	{"M", 1_000_000},
	{"K", 1_000},
}

// ParseCPUMillicores parses a Kubernetes-style CPU quantity into millicores.
// "500m" is 500 millicores; "1.5" (no suffix) is 1.5 cores, truncated to
// 1500 millicores. Anything that doesn't parse coerces to 0.
func ParseCPUMillicores(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if strings.HasSuffix(s, "m") {
		n, err := strconv.ParseInt(strings.TrimSuffix(s, "m"), 10, 64)
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	cores, err := strconv.ParseFloat(s, 64)
	if err != nil || cores < 0 {
		return 0
	}
	return int64(cores * 1000)
}

// ParseMemoryBytes parses a Kubernetes-style memory quantity into bytes.
// Binary suffixes (Ki, Mi, Gi, Ti) are powers of 1024; decimal suffixes
// (K, M, G, T) are powers of 1000; no suffix means raw bytes. Anything
// that doesn't parse coerces to 0.
func ParseMemoryBytes(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	for _, bs := range binarySuffixes {
		if strings.HasSuffix(s, bs.suffix) {
			return parseWithFactor(strings.TrimSuffix(s, bs.suffix), bs.factor)
		}
	}
	for _, ds := range decimalSuffixes {
		if strings.HasSuffix(s, ds.suffix) {
			return parseWithFactor(strings.TrimSuffix(s, ds.suffix), ds.factor)
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseWithFactor(numeric string, factor int64) int64 {
	f, err := strconv.ParseFloat(numeric, 64)
	if err != nil || f < 0 {
		return 0
	}
	return int64(f * float64(factor))
}

// Quantity is the aggregate resource request over a set of containers.
type Quantity struct {
	CPUMillicores int64
	MemoryBytes   int64
}

// Add returns the sum of q and other.
func (q Quantity) Add(other Quantity) Quantity {
	return Quantity{
		CPUMillicores: q.CPUMillicores + other.CPUMillicores,
		MemoryBytes:   q.MemoryBytes + other.MemoryBytes,
	}
}
