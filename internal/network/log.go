package network

import (
	"context"
	"time"

	"meshd/internal/debuglog"
)

const clientTimeout = 8 * time.Second

func debugLog(format string, args ...any) {
	debuglog.Debugf("network: "+format, args...)
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), clientTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, clientTimeout)
}
