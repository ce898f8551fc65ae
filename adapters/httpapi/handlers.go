package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/internal/codec"
)

// HeaderPublishError carries the publish failure of an event that was
// committed anyway.
const HeaderPublishError = "Evstore-Publish-Error"

type errorBody struct {
	Error string `json:"error"`
}

func pageFromQuery(r *http.Request) (evstore.Page, error) {
	var page evstore.Page
	q := r.URL.Query()
	for name, dst := range map[string]*uint64{"offset": &page.Offset, "limit": &page.Limit} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return evstore.Page{}, fmt.Errorf("invalid %s %q", name, raw)
		}
		*dst = v
	}
	return page, nil
}

func pageOptions(p evstore.Page) []evstore.PageOption {
	return []evstore.PageOption{evstore.WithOffset(p.Offset), evstore.WithLimit(p.Limit)}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := codec.Marshal(v)
	if err != nil {
		s.log.Error("failed to encode response", slog.Any("error", err))
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, evstore.ErrInvalidPayload), errors.Is(err, evstore.ErrInvalidStream):
		return http.StatusBadRequest
	case errors.Is(err, evstore.ErrConfiguration):
		return http.StatusNotImplemented
	case errors.Is(err, evstore.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleAggregations(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	out, err := s.store.GetAggregations(r.Context(), pageOptions(page)...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	out, err := s.store.GetStreams(r.Context(), r.PathValue("aggregation"), pageOptions(page)...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) eventStream(r *http.Request) (*evstore.EventStream, error) {
	stream := evstore.NewStream(r.PathValue("aggregation"), r.PathValue("id"))
	if err := stream.Validate(); err != nil {
		return nil, err
	}
	return s.store.GetEventStream(stream.Aggregation, stream.ID), nil
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	es, err := s.eventStream(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := es.GetEvents(r.Context(), pageOptions(page)...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	es, err := s.eventStream(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error()})
			return
		}
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	ev, err := es.AddEvent(r.Context(), json.RawMessage(body))
	if err != nil && !evstore.Committed(err) {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.log.Warn("event committed but not published", es.Stream().SlogAttr(), slog.Any("error", err))
		w.Header().Set(HeaderPublishError, err.Error())
	}
	s.writeJSON(w, http.StatusCreated, ev)
}
