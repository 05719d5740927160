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

// Package log carries a structured logger through a context.Context, the
// same idiom the teacher uses for knative's logging.FromContext, but
// backed directly by zap+logr since this controller has no ConfigMap-driven
// live log-level reload to hook into.
package log

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

type contextKey struct{}

// NewZap builds the production zap logger used at startup, with the level
// adjustable via debug.
func NewZap(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// IntoContext returns a copy of ctx carrying logger.
func IntoContext(ctx context.Context, logger logr.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op discard logger
// if none was set — callers never need a nil check.
func FromContext(ctx context.Context) logr.Logger {
	if v := ctx.Value(contextKey{}); v != nil {
		return v.(logr.Logger)
	}
	return logr.Discard()
}

// FromZap bridges a zap.Logger into the logr.Logger interface the rest of
// the codebase speaks, mirroring the teacher's
// zapr.NewLogger(logging.FromContext(ctx).Desugar()) call site.
func FromZap(z *zap.Logger) logr.Logger {
	return zapr.NewLogger(z)
}
