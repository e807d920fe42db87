// Package pprofutil serves net/http/pprof for a running daemon.
package pprofutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"
)

// Server is a pprof endpoint bound to one address. It has its own mux, so
// nothing else registered on http.DefaultServeMux is exposed.
type Server struct {
	ln  net.Listener
	srv *http.Server
}

// Start listens on addr. Non-loopback addresses are refused unless
// allowPublic is set.
func Start(addr string, allowPublic bool) (*Server, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("pprof: empty listen address")
	}
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("pprof address must be loopback unless MESHD_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s := &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	go func() { _ = s.srv.Serve(ln) }()
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close stops the server, giving in-flight profiles a second to finish.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
