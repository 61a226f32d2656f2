package httpx

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ListenFunc starts srv and blocks until it stops.
type ListenFunc func(srv *http.Server) error

func ListenAndServe(srv *http.Server) error { return srv.ListenAndServe() }

// Serve runs srv until ctx is cancelled, then drains in-flight requests for
// at most grace. A clean shutdown returns nil.
func Serve(ctx context.Context, srv *http.Server, listen ListenFunc, grace time.Duration) error {
	if listen == nil {
		listen = ListenAndServe
	}
	if grace <= 0 {
		grace = 10 * time.Second
	}
	errCh := make(chan error, 1)
	go func() { errCh <- listen(srv) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
