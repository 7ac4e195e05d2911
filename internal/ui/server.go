// Package ui serves the local control API: call endpoints driving the
// session manager, the peer roster, a WebSocket event feed, and the
// captured process log. It binds to loopback; there is no auth layer.
package ui

import (
	"context"
	"net/http"
	"time"

	"github.com/parley-p2p/parley/internal/call"
	"github.com/parley-p2p/parley/internal/state"
	"github.com/parley-p2p/parley/internal/storage"
)

// Server bundles everything the HTTP API exposes. Calls and Peers are
// required; the rest may be nil and their endpoints degrade gracefully.
type Server struct {
	SelfID    string
	SelfLabel func() string
	SelfEmail func() string
	Uptime    func() time.Duration

	Calls *call.Manager
	Peers *state.PeerTable
	Hub   *EventHub
	DB    *storage.DB
	Logs  *LogBuffer

	httpSrv *http.Server
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	registerCall(mux, s.Calls, s.DB)
	registerPeers(mux, s)
	if s.Hub != nil {
		registerEvents(mux, s.Hub)
	}
	if s.Logs != nil {
		registerLogs(mux, s.Logs)
	}

	return mux
}

// Start serves the API on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
