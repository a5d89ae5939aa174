package net

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medfl/fedavg/common/log"
	"github.com/medfl/fedavg/internal/metrics"
	"github.com/medfl/fedavg/internal/protocol"
)

const readHeaderTimeout = 10 * time.Second

// Routes served for a participant.
const (
	InfoPath     = "/info"
	ProvePath    = "/prove"
	FitPath      = "/fit"
	RevealPath   = "/reveal"
	EvaluatePath = "/evaluate"
)

// Server exposes a participant over HTTP.
type Server struct {
	p       protocol.Participant
	log     log.Logger
	handler http.Handler
}

// NewServer routes the protocol calls to p. When accessLog is not nil every
// request is written to it in the combined log format.
func NewServer(p protocol.Participant, l log.Logger, accessLog io.Writer) *Server {
	s := &Server{p: p, log: l.Named("http")}

	r := chi.NewRouter()
	r.Get(InfoPath, s.info)
	r.Post(ProvePath, s.prove)
	r.Post(FitPath, s.fit)
	r.Post(RevealPath, s.reveal)
	r.Post(EvaluatePath, s.evaluate)

	var h http.Handler = r
	h = promhttp.InstrumentHandlerDuration(metrics.HTTPLatency, h)
	h = promhttp.InstrumentHandlerCounter(metrics.HTTPCallCounter, h)
	h = promhttp.InstrumentHandlerInFlight(metrics.HTTPInFlight, h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.log}), handlers.PrintRecoveryStack(true))(h)
	if accessLog != nil {
		h = handlers.CombinedLoggingHandler(accessLog, h)
	}
	s.handler = h
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	resp, err := s.p.Info(r.Context())
	s.reply(w, r, resp, err)
}

func (s *Server) prove(w http.ResponseWriter, r *http.Request) {
	req := new(protocol.ChallengeRequest)
	if !s.read(w, r, req) {
		return
	}
	resp, err := s.p.Prove(r.Context(), req)
	s.reply(w, r, resp, err)
}

func (s *Server) fit(w http.ResponseWriter, r *http.Request) {
	req := new(protocol.FitRequest)
	if !s.read(w, r, req) {
		return
	}
	resp, err := s.p.Fit(r.Context(), req)
	s.reply(w, r, resp, err)
}

func (s *Server) reveal(w http.ResponseWriter, r *http.Request) {
	req := new(protocol.RevealRequest)
	if !s.read(w, r, req) {
		return
	}
	resp, err := s.p.Reveal(r.Context(), req)
	s.reply(w, r, resp, err)
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	req := new(protocol.EvalRequest)
	if !s.read(w, r, req) {
		return
	}
	resp, err := s.p.Evaluate(r.Context(), req)
	s.reply(w, r, resp, err)
}

func (s *Server) read(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := decode(r.Body, v); err != nil {
		s.log.Warnw("malformed request", "path", r.URL.Path, "remote", r.RemoteAddr, "err", err)
		s.write(w, http.StatusBadRequest, &errorBody{Error: err.Error()})
		return false
	}
	return true
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, v interface{}, err error) {
	switch {
	case err == nil:
		s.write(w, http.StatusOK, v)
	case r.Context().Err() != nil:
		// the coordinator went away, nobody reads the answer
		s.log.Debugw("request abandoned", "path", r.URL.Path, "err", err)
		s.write(w, http.StatusServiceUnavailable, &errorBody{Error: err.Error()})
	default:
		s.log.Warnw("call failed", "path", r.URL.Path, "remote", r.RemoteAddr, "err", err)
		s.write(w, http.StatusUnprocessableEntity, &errorBody{Error: err.Error()})
	}
}

func (s *Server) write(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(code)
	if err := encode(w, v); err != nil {
		s.log.Errorw("writing response", "err", err)
	}
}

type recoveryLogger struct {
	log log.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Errorw("handler panicked", "err", v)
}

// ListenAndServe serves s on bind until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, bind string) error {
	srv := &http.Server{Addr: bind, Handler: s, ReadHeaderTimeout: readHeaderTimeout}
	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()
	s.log.Infow("participant listening", "bind", bind)
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	}
}
