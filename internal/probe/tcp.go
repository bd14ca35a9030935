// Package probe implements the connectivity check the proxy pool runs on a
// periodic timer.
package probe

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/swoophq/swoop-dispatch/internal/proxypool"
)

const defaultTimeout = 5 * time.Second

// TCP probes a proxy by opening a TCP connection to its host:port. A proxy
// that does not accept connections is down regardless of what its health
// score says.
type TCP struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewTCP builds a TCP prober with the given per-probe timeout.
func NewTCP(timeout time.Duration, logger *zap.Logger) *TCP {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCP{timeout: timeout, logger: logger}
}

// Probe reports whether the proxy accepts a TCP connection within the
// timeout.
func (p *TCP) Probe(ctx context.Context, desc *proxypool.Descriptor) bool {
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", desc.ID())
	if err != nil {
		p.logger.Debug("probe failed", zap.String("proxy", desc.ID()), zap.Error(err))
		return false
	}
	_ = conn.Close()
	return true
}
