// Package factory picks a transport implementation from a URL.
package factory

import (
	"context"
	"strings"
	"sync"

	"github.com/matst80/udptunnel/internal/obs"
	"github.com/matst80/udptunnel/internal/transport"
	"github.com/matst80/udptunnel/internal/transport/mem"
	"github.com/matst80/udptunnel/internal/transport/redisbus"
	"github.com/pkg/errors"
)

var (
	memOnce sync.Once
	memBus  *mem.Bus
)

// InProcess reports whether url selects the in-memory bus, which only
// connects peers living in the same process.
func InProcess(url string) bool {
	return url == "" || strings.HasPrefix(url, "mem://")
}

// Open returns a transport for url: "mem://" for the process-wide in-memory
// bus, "redis://" or "rediss://" for Redis pub/sub.
func Open(ctx context.Context, url string, opts redisbus.Options) (transport.Transport, error) {
	switch {
	case InProcess(url):
		obs.Info("transport.backend", obs.Fields{"type": "in-memory"})
		memOnce.Do(func() { memBus = mem.New() })
		return memBus, nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		obs.Info("transport.backend", obs.Fields{"type": "redis"})
		return redisbus.Dial(ctx, url, opts)
	default:
		return nil, errors.Errorf("unsupported transport url %q", url)
	}
}
