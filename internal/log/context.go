// SPDX-License-Identifier: MIT

package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	deviceIDKey ctxKey = "device_id"
)

// ContextWithDeviceID stores the paired device ID in the context.
func ContextWithDeviceID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, deviceIDKey, id)
}

// DeviceIDFromContext extracts the device ID from context if present.
func DeviceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(deviceIDKey).(string); ok {
		return v
	}
	return ""
}

// FromContext returns logger enriched with any correlation fields stored in
// ctx. Components pass their own child logger so fields like the component
// name survive the enrichment.
func FromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	if id := DeviceIDFromContext(ctx); id != "" {
		logger = logger.With().Str("device_id", id).Logger()
	}
	return logger
}
