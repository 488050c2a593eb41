// Package wkdserver serves the Web Key Directory well-known HTTP surface
// on top of a keydir.KeyProvider.
package wkdserver

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	keydir "github.com/keydir/keydir"
)

type Server struct {
	mux      *http.ServeMux
	provider keydir.KeyProvider
	log      *slog.Logger
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.log = logger }
}

func New(provider keydir.KeyProvider, opts ...Option) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		provider: provider,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /.well-known/openpgpkeys/hu/{local}", s.handleKey)
	s.mux.HandleFunc("GET /.well-known/openpgpkeys/policy", s.handlePolicy)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleKey serves one certificate by its encoded local-part. The target
// domain is the host the request was addressed to.
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	encoded := r.PathValue("local")
	domain := requestDomain(r)

	cert, ok := s.provider.Discover(encoded, domain)
	if !ok {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	// Cross-origin reads are part of the protocol.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := cert.Serialize(w); err != nil {
		s.log.Error("failed to serialize certificate",
			"domain", domain, "local", encoded, "error", err)
	}
}

// handlePolicy serves the static policy document. The protocol requires
// the path to exist; the body is empty.
func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
}

// requestDomain lowercases the request host and strips any port.
func requestDomain(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
