// Package mgmt exposes a small HTTP surface over a monitor registry:
// per-set introspection snapshots, a health probe and Prometheus metrics.
// It is intended for operational tooling, not for data traffic.
package mgmt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirimatin/go-replset/pkg/observability/tracing"
	"github.com/amirimatin/go-replset/pkg/replset"
)

// Server serves /status, /healthz and /metrics for one registry.
type Server struct {
	bind   string
	srv    *http.Server
	ln     net.Listener
	logger *log.Logger
	tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Start launches the HTTP server over the registry's monitors. The server
// is shut down when the context is canceled.
func (s *Server) Start(ctx context.Context, reg *replset.Registry) error {
	if reg == nil {
		reg = replset.Default
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		_, end := tracing.StartSpan(r.Context(), "http.status")
		defer end()

		out := make(map[string]replset.SetInfo)
		if set := r.URL.Query().Get("set"); set != "" {
			m := reg.GetExisting(set)
			if m == nil {
				http.Error(w, "unknown set: "+set, http.StatusNotFound)
				return
			}
			out[set] = m.AppendInfo()
		} else {
			for _, name := range reg.Names() {
				if m := reg.GetExisting(name); m != nil {
					out[name] = m.AppendInfo()
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{Addr: s.bind, Handler: mux}

	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("mgmt: server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the actual listen address once started, else the configured
// bind address.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := s.srv.Shutdown(c)
	s.srv = nil
	return err
}
