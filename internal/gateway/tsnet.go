package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"

	"tailscale.com/tsnet"
	"tailscale.com/types/logger"
)

// startTailscale serves the mux on a tailnet listener. Node state
// lives under the data root so the auth key is consumed only on first
// start. Returns a stop function.
func (s *Server) startTailscale(ctx context.Context, mux *http.ServeMux) (func(), error) {
	ts := s.cfg.Gateway.Tailscale
	hostname := ts.Hostname
	if hostname == "" {
		hostname = "warden"
	}
	stateDir := ts.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(s.cfg.DataRootPath(), "tsnet")
	}

	srv := &tsnet.Server{
		Hostname: hostname,
		AuthKey:  ts.AuthKey,
		Dir:      stateDir,
		Logf:     logger.Discard,
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		srv.Close()
		return nil, err
	}

	httpSrv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Warn("gateway: tailscale serve ended", "error", err)
		}
	}()

	slog.Info("gateway: tailscale listener up", "hostname", hostname)
	return func() { srv.Close() }, nil
}
