package datapubapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"Datapub-Apps/internal/datapub"
)

type Server struct {
	ch        *datapub.Channel
	ws        http.Handler
	log       *zap.Logger
	keepalive time.Duration
}

// NewServer exposes ch over HTTP. Engines connecting to the websocket
// endpoint must encode envelopes with codec.
func NewServer(ch *datapub.Channel, codec datapub.Codec, readLimit int64, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{ch: ch, log: logger.Named("api"), keepalive: 15 * time.Second}
	if ch != nil {
		s.ws = datapub.NewWebsocketHandler(ch.Ingest(codec), readLimit)
	}
	return s
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/datapub/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/datapub/data", s.handleData)
	mux.HandleFunc("/api/datapub/producer/", s.handleProducer)
	mux.HandleFunc("/api/datapub/stream", s.handleStream)
	mux.HandleFunc("/api/datapub/ws", s.handleWebsocket)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.ch == nil {
		writeError(w, http.StatusServiceUnavailable, "datapub channel unavailable")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.ch.View().Snapshot())
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	if s.ch == nil {
		writeError(w, http.StatusServiceUnavailable, "datapub channel unavailable")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.ch.View().Data()})
}

func (s *Server) handleProducer(w http.ResponseWriter, r *http.Request) {
	if s.ch == nil {
		writeError(w, http.StatusServiceUnavailable, "datapub channel unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/datapub/producer/"), "/")
	if raw == "" {
		writeError(w, http.StatusNotFound, "producer id missing")
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "producer id must be an integer")
		return
	}
	id := datapub.ProducerID(n)

	switch r.Method {
	case http.MethodGet:
		e, ok := s.ch.Store().Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, datapub.ErrUnknownProducer.Error())
			return
		}
		writeJSON(w, http.StatusOK, e)
	case http.MethodPost:
		var payload datapub.Payload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := s.ch.Store().Publish(id, payload); err != nil {
			if errors.Is(err, datapub.ErrPayloadTooLarge) {
				s.ch.Metrics().PayloadTooLarge.Inc()
				writeError(w, http.StatusRequestEntityTooLarge, err.Error())
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case http.MethodDelete:
		if err := s.ch.Deregister(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleStream pushes a snapshot event every time a producer publishes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.ch == nil {
		writeError(w, http.StatusServiceUnavailable, "datapub channel unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	view := s.ch.View()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for {
		b, _ := json.Marshal(view.Snapshot())
		if _, err := w.Write([]byte("event: snapshot\ndata: " + string(b) + "\n\n")); err != nil {
			return
		}
		flusher.Flush()

		for !view.AwaitUpdate(ctx, s.keepalive) {
			if ctx.Err() != nil {
				return
			}
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		writeError(w, http.StatusServiceUnavailable, "datapub channel unavailable")
		return
	}
	s.ws.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
