// Package pprof keeps the net/http/pprof import, and the handlers it
// registers on init, out of the packages linked by library users.
package pprof

import (
	"net/http"
	"net/http/pprof"
)

// WithProfile returns the profiling handlers, to be mounted at /debug/pprof/.
func WithProfile() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}
