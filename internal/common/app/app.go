package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
)

// CreateContextWithShutdown returns a context that will report done when a SIGINT or SIGTERM is received
func CreateContextWithShutdown() *loomcontext.Context {
	ctx, cancel := loomcontext.WithCancel(loomcontext.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			ctx.Log.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
