package app

import (
	"context"
	"errors"
	"net/http"
)

// Serve runs the HTTP API until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, b *BuildResult) error {
	httpServer := b.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		b.Logger.Info("server listening", "addr", b.Config.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	b.Logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.Config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		b.Logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	b.Logger.Info("shutdown complete")
	return nil
}
