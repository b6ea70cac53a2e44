//go:build !linux

package bench

import "log/slog"

// NewPinner returns a no-op pinner; this platform has no affinity control.
func NewPinner(logger *slog.Logger) Pinner {
	logger.Debug("cpu affinity is not supported on this platform")
	return NoopPinner{}
}
