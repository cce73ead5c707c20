// Package api serves the HTTP surface of the relay: document creation and inspection,
// plus the websocket endpoint it is handed.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/Jeff-Emmett/rspace-online/pkg/store"
	"github.com/Jeff-Emmett/rspace-online/pkg/viz"
)

type server struct {
	store       *store.Store
	documentURL func(slug string) string
}

// NewRouter mounts the document API and, when ws is non-nil, the websocket endpoint at
// /ws/{slug}. documentURL maps a slug to the address its canvas is served at.
func NewRouter(st *store.Store, ws http.Handler, documentURL func(slug string) string) *mux.Router {
	s := &server{store: st, documentURL: documentURL}

	r := mux.NewRouter()
	r.Use(logRequests)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodPost).Path("/api/documents").HandlerFunc(s.createDocument)
	r.Methods(http.MethodGet).Path("/api/documents").HandlerFunc(s.listDocuments)
	r.Methods(http.MethodGet).Path("/api/documents/{slug}").HandlerFunc(s.getDocument)
	r.Methods(http.MethodGet).Path("/api/documents/{slug}/latest").HandlerFunc(s.getLatest)
	r.Methods(http.MethodGet).Path("/api/documents/{slug}/shapes").HandlerFunc(s.getShapes)
	r.Methods(http.MethodGet).Path("/api/documents/{slug}/history.svg").HandlerFunc(s.getHistory)
	if ws != nil {
		r.Methods(http.MethodGet).Path("/ws/{slug}").Handler(ws)
	}
	return r
}

func logRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func writeError(writer http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, store.ErrInvalidSlug), errors.Is(err, store.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeJSON(writer, status, errorResponse{Error: msg})
}

func (s *server) healthz(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "text/plain")
	_, _ = writer.Write([]byte("ok"))
}

type createRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type createResponse struct {
	URL  string `json:"url"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

func (s *server) createDocument(writer http.ResponseWriter, request *http.Request) {
	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(writer, request.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	d, err := s.store.Create(request.Context(), req.Name, req.Slug)
	if err != nil {
		writeError(writer, err)
		return
	}
	meta, err := d.Meta()
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusCreated, createResponse{
		URL:  s.documentURL(meta.Slug),
		Slug: meta.Slug,
		Name: meta.Name,
	})
}

func (s *server) listDocuments(writer http.ResponseWriter, request *http.Request) {
	ids, err := s.store.List(request.Context())
	if err != nil {
		writeError(writer, err)
		return
	}
	// created documents are listed before their first write lands
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range s.store.Resident() {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	writeJSON(writer, http.StatusOK, map[string][]string{"documents": ids})
}

func (s *server) load(writer http.ResponseWriter, request *http.Request) (*store.Document, bool) {
	d, err := s.store.Load(request.Context(), mux.Vars(request)["slug"])
	if err != nil {
		writeError(writer, err)
		return nil, false
	}
	return d, true
}

func (s *server) getDocument(writer http.ResponseWriter, request *http.Request) {
	d, ok := s.load(writer, request)
	if !ok {
		return
	}
	meta, err := d.Meta()
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"meta": meta})
}

func (s *server) getLatest(writer http.ResponseWriter, request *http.Request) {
	d, ok := s.load(writer, request)
	if !ok {
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(d.Save()); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *server) getShapes(writer http.ResponseWriter, request *http.Request) {
	d, ok := s.load(writer, request)
	if !ok {
		return
	}
	snap, err := d.Snapshot()
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, snap)
}

func (s *server) getHistory(writer http.ResponseWriter, request *http.Request) {
	d, ok := s.load(writer, request)
	if !ok {
		return
	}
	fork, err := d.Fork()
	if err != nil {
		writeError(writer, err)
		return
	}
	var buff bytes.Buffer
	if err := viz.RenderHistory(fork, &buff); err != nil {
		writeError(writer, err)
		return
	}
	writer.Header().Set("Content-Type", "image/svg+xml")
	if _, err := writer.Write(buff.Bytes()); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}
