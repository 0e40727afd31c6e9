package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ComUnity/web3analytics/internal/util/logger"
)

// EventSink is the part of the analytics client the ingest API drives.
type EventSink interface {
	PageJSON(raw []byte) error
	TrackJSON(raw []byte) error
	IdentifyJSON(raw []byte) error
	Loaded() bool
	DID() string
	Flush(ctx context.Context) error
}

// EventHandler exposes the client's tracking calls over HTTP so processes
// that cannot embed the client can still report events.
type EventHandler struct {
	sink         EventSink
	maxBodyBytes int64
	flushTimeout time.Duration
}

type acceptedResponse struct {
	Accepted bool `json:"accepted"`
}

type sessionResponse struct {
	Loaded bool   `json:"loaded"`
	DID    string `json:"did,omitempty"`
}

func NewEventHandler(sink EventSink, maxBodyBytes int64, flushTimeout time.Duration) *EventHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Second
	}
	return &EventHandler{sink: sink, maxBodyBytes: maxBodyBytes, flushTimeout: flushTimeout}
}

func (h *EventHandler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/page", h.ingest(h.sink.PageJSON))
		r.Post("/track", h.ingest(h.sink.TrackJSON))
		r.Post("/identify", h.ingest(h.sink.IdentifyJSON))
		r.Post("/flush", h.Flush)
		r.Get("/session", h.Session)
	})
}

// ingest answers 202 once the payload parses. accepted is false when the
// client is not loaded and the event was dropped.
func (h *EventHandler) ingest(enqueue func([]byte) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			writeJSONError(w, http.StatusBadRequest, "unable to read body")
			return
		}
		if err := enqueue(body); err != nil {
			logger.Debug("Rejected payload on %s: %v", r.URL.Path, err)
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: h.sink.Loaded()})
	}
}

// Flush blocks until every event accepted so far has been written.
func (h *EventHandler) Flush(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.flushTimeout)
	defer cancel()
	if err := h.sink.Flush(ctx); err != nil {
		writeJSONError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *EventHandler) Session(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionResponse{Loaded: h.sink.Loaded(), DID: h.sink.DID()})
}
