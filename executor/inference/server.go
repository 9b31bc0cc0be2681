package inference

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/brensch/zerotrain/executor/mcts"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Server exposes an evaluator over websockets at Path. A plain evaluator is
// served as the fresh model; serve a Swappable to name the model.
type Server struct {
	eval     mcts.Evaluator
	timeout  time.Duration
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer serves eval. Every request is bounded by timeout when it is > 0.
func NewServer(eval mcts.Evaluator, timeout time.Duration) *Server {
	return &Server{
		eval:     eval,
		timeout:  timeout,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   log.With().Str("component", "inference-server").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+Path, s.serveInference)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) serveInference(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	defer wg.Wait()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("inference client connected")
	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("inference client gone")
			}
			cancel()
			return
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			resp := s.answer(ctx, req)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteJSON(resp); err != nil {
				s.logger.Debug().Err(err).Uint64("id", req.ID).Msg("write inference response")
			}
		}(req)
	}
}

func (s *Server) answer(ctx context.Context, req Request) Response {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	eval, served := s.eval, ""
	if sw, ok := s.eval.(*Swappable); ok {
		eval, served = sw.Snapshot()
	}
	if req.Model != served {
		return Response{ID: req.ID, Model: served, Error: fmt.Sprintf("model %s is not served here", shortModel(req.Model))}
	}
	priors, values, err := eval.Infer(ctx, req.States)
	if err != nil {
		return Response{ID: req.ID, Model: served, Error: err.Error()}
	}
	return Response{ID: req.ID, Model: served, Priors: priors, Values: values}
}

func shortModel(hash string) string {
	switch {
	case hash == "":
		return "fresh"
	case len(hash) > 12:
		return hash[:12]
	}
	return hash
}
