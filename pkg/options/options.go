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

// Package options holds the controller's startup configuration: flags with
// environment-variable fallbacks, validated once at startup. Validate and
// Parse return the validation error; MustParse panics on it, the same
// validate-and-crash posture the teacher applies to its own Settings type.
package options

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
)

// Options is the full set of controller-wide configuration.
type Options struct {
	KubeconfigPath string        `validate:"omitempty,file"`
	ProfileStorePath string      `validate:"required"`
	InFlightTimeout  time.Duration `validate:"required,gt=0"`
	PrintRepeatInterval time.Duration `validate:"required,gt=0"`
	QuotaObjectName  string      `validate:"required"`
	StreamIdleTimeout time.Duration `validate:"required,gt=0"`
	MetricsPort      int         `validate:"required,gt=0,lt=65536"`
	EvictionGracePeriod time.Duration `validate:"required,gt=0"`
	ReconnectBackoff time.Duration `validate:"required,gt=0"`
	Debug            bool
}

// Defaults mirror SPEC_FULL.md §A.3.
var Defaults = Options{
	ProfileStorePath:    "/var/lib/fairness-control/profile.db",
	InFlightTimeout:     5 * time.Second,
	PrintRepeatInterval: 5 * time.Second,
	QuotaObjectName:     "pod-quota",
	StreamIdleTimeout:   30 * time.Second,
	MetricsPort:         8080,
	EvictionGracePeriod: 1 * time.Second,
	ReconnectBackoff:    2 * time.Second,
}

const evictionGracePeriodCap = 3 * time.Second

// FlagSet builds a flag.FlagSet bound to opts, seeded from environment
// variables and falling back to Defaults, mirroring the
// flag.StringVar(&opts.X, "x", env.WithDefaultString(...), "...") pattern.
func FlagSet(opts *Options) *flag.FlagSet {
	fs := flag.NewFlagSet("fairness-controller", flag.ContinueOnError)

	fs.StringVar(&opts.KubeconfigPath, "kubeconfig", withDefaultString("KUBECONFIG", ""),
		"path to a kubeconfig file; in-cluster credentials are always tried first and this file is used only if they are unavailable")
	fs.StringVar(&opts.ProfileStorePath, "profile-store-path", withDefaultString("PROFILE_STORE_PATH", Defaults.ProfileStorePath),
		"path to the profiler's read-only sqlite database")
	fs.DurationVar(&opts.InFlightTimeout, "in-flight-timeout", withDefaultDuration("IN_FLIGHT_TIMEOUT", Defaults.InFlightTimeout),
		"watcher debounce cool-down per pod-uid")
	fs.DurationVar(&opts.PrintRepeatInterval, "print-repeat-seconds", withDefaultDuration("PRINT_REPEAT_SECONDS", Defaults.PrintRepeatInterval),
		"log rate-limit window per (namespace,name,uid)")
	fs.StringVar(&opts.QuotaObjectName, "quota-object-name", withDefaultString("QUOTA_OBJECT_NAME", Defaults.QuotaObjectName),
		"name of the per-namespace ResourceQuota object managing pod counts")
	fs.DurationVar(&opts.StreamIdleTimeout, "stream-idle-timeout", withDefaultDuration("STREAM_IDLE_TIMEOUT", Defaults.StreamIdleTimeout),
		"idle timeout on watch streams before a stop-signal check")
	fs.IntVar(&opts.MetricsPort, "metrics-port", withDefaultInt("METRICS_PORT", Defaults.MetricsPort),
		"port serving /metrics")
	fs.DurationVar(&opts.EvictionGracePeriod, "eviction-grace-period", withDefaultDuration("EVICTION_GRACE_PERIOD", Defaults.EvictionGracePeriod),
		"grace period passed to victim pod deletes; rejected above 3s")
	fs.DurationVar(&opts.ReconnectBackoff, "reconnect-backoff", withDefaultDuration("RECONNECT_BACKOFF", Defaults.ReconnectBackoff),
		"backoff before a watch-stream reconnect attempt")
	fs.BoolVar(&opts.Debug, "debug", os.Getenv("DEBUG") == "true", "enable development-mode logging")

	return fs
}

// Parse populates opts from args (typically os.Args[1:]), then validates,
// returning the first parse error or the validation error. Use MustParse
// to panic on either instead.
func Parse(opts *Options, args []string) error {
	fs := FlagSet(opts)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return opts.Validate()
}

// Validate runs struct validation and any cross-field checks.
func (o Options) Validate() error {
	validate := validator.New()
	return multierr.Combine(
		validate.Struct(o),
		o.validateGracePeriod(),
	)
}

// validateGracePeriod enforces the §4.4 cap: eviction grace periods beyond
// evictionGracePeriodCap are rejected rather than silently clamped.
func (o Options) validateGracePeriod() error {
	if o.EvictionGracePeriod > evictionGracePeriodCap {
		return fmt.Errorf("eviction-grace-period %s exceeds cap %s", o.EvictionGracePeriod, evictionGracePeriodCap)
	}
	return nil
}

// MustParse is a convenience wrapper: parse over Defaults and panic on any
// error, matching the teacher's "failing to validate means crash" posture.
// The fairness-controller command does not use it; it binds FlagSet to
// cobra and returns the Validate error, exiting non-zero.
func MustParse(args []string) Options {
	opts := Defaults
	if err := Parse(&opts, args); err != nil {
		panic(fmt.Sprintf("parsing controller options: %v", err))
	}
	return opts
}

func withDefaultString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func withDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func withDefaultInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}
