// Package httpapi exposes a dualkv Dictionary over HTTP.
//
// Keys and values travel in URL path segments and JSON bodies as UTF-8
// strings, or hex when the request carries ?encoding=hex.
package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/hupe1980/dualkv"
)

// RequestIDHeader carries the id assigned to every request.
const RequestIDHeader = "X-Request-Id"

const defaultRangeLimit = 1000

// Server serves one dictionary.
type Server struct {
	dict   *dualkv.Dictionary
	logger *slog.Logger
}

// NewServer wires the dictionary handlers into a router and exposes a
// health check.
func NewServer(d *dualkv.Dictionary, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{dict: d, logger: logger}

	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/columns", s.listColumns)
	r.Route("/columns/{column}", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Post("/batch", s.writeBatch)
		r.Post("/flush", s.flush)
		r.Post("/compact", s.compact)
		r.Post("/partitions/{partition}/rebuild", s.rebuild)
		r.Get("/partitions/{partition}/values", s.rangeValues)

		r.Get("/keys/{key}", s.get)
		r.Put("/keys/{key}", s.put)
		r.Delete("/keys/{key}", s.delete)

		r.Get("/values", s.rangeValues)
		r.Get("/values/{value}", s.lookup)
	})
	return r
}

type ctxKey struct{}

// RequestID returns the id assigned to r by the server.
func RequestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), ctxKey{}, id)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		s.logger.DebugContext(ctx, "http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// Record is the JSON form of a write.
type Record struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Payload string `json:"payload,omitempty"`
	Tag     string `json:"tag,omitempty"`
}

// Entry is the JSON form of a stored key.
type Entry struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Seq     uint64 `json:"seq"`
	Payload string `json:"payload,omitempty"`
	Tag     string `json:"tag,omitempty"`
}

// LookupResult is the JSON form of a reverse lookup.
type LookupResult struct {
	Value      string   `json:"value"`
	Output     string   `json:"output"`
	Keys       []string `json:"keys,omitempty"`
	CatchingUp bool     `json:"catching_up,omitempty"`
}

// ValueEntry is the JSON form of a value range result.
type ValueEntry struct {
	Value     string `json:"value"`
	Output    string `json:"output"`
	Partition string `json:"partition"`
}

// RangeResult is the JSON form of a value range scan.
type RangeResult struct {
	Entries    []ValueEntry `json:"entries"`
	More       bool         `json:"more,omitempty"`
	CatchingUp bool         `json:"catching_up,omitempty"`
}

// WriteResult reports the sequence number of a committed batch.
type WriteResult struct {
	Seq uint64 `json:"seq"`
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type codec struct{ hex bool }

func codecOf(r *http.Request) (codec, error) {
	switch enc := r.URL.Query().Get("encoding"); enc {
	case "", "utf8":
		return codec{}, nil
	case "hex":
		return codec{hex: true}, nil
	default:
		return codec{}, fmt.Errorf("unknown encoding %q", enc)
	}
}

func (c codec) decode(s string) ([]byte, error) {
	if c.hex {
		return hex.DecodeString(s)
	}
	return []byte(s), nil
}

func (c codec) encode(b []byte) string {
	if c.hex {
		return hex.EncodeToString(b)
	}
	return string(b)
}

func (c codec) param(r *http.Request, name string) ([]byte, error) {
	raw, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil {
		return nil, err
	}
	return c.decode(raw)
}

func (c codec) query(r *http.Request, name string) ([]byte, error) {
	v, ok := r.URL.Query()[name]
	if !ok || len(v) == 0 {
		return nil, nil
	}
	return c.decode(v[0])
}

func (s *Server) column(w http.ResponseWriter, r *http.Request) (*dualkv.Column, codec, bool) {
	c, err := codecOf(r)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return nil, c, false
	}
	col, err := s.dict.Column(chi.URLParam(r, "column"))
	if err != nil {
		s.writeError(w, r, err)
		return nil, c, false
	}
	return col, c, true
}

func (s *Server) listColumns(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string][]string{"columns": s.dict.Columns()})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	col, _, ok := s.column(w, r)
	if !ok {
		return
	}
	s.respond(w, http.StatusOK, col.Stats())
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	col, c, ok := s.column(w, r)
	if !ok {
		return
	}
	key, err := c.param(r, "key")
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	e, err := col.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, Entry{
		Key:     c.encode(e.Key),
		Value:   c.encode(e.Value),
		Seq:     e.Seq,
		Payload: c.encode(e.Payload),
		Tag:     string(e.Tag),
	})
}

func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	col, c, ok := s.column(w, r)
	if !ok {
		return
	}
	key, err := c.param(r, "key")
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	var rec Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	rec.Key = c.encode(key)
	s.write(w, r, col, c, []Record{rec})
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	col, c, ok := s.column(w, r)
	if !ok {
		return
	}
	key, err := c.param(r, "key")
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	seq, err := col.Delete(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, WriteResult{Seq: seq})
}

func (s *Server) writeBatch(w http.ResponseWriter, r *http.Request) {
	col, c, ok := s.column(w, r)
	if !ok {
		return
	}
	var recs []Record
	if err := json.NewDecoder(r.Body).Decode(&recs); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	s.write(w, r, col, c, recs)
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, col *dualkv.Column, c codec, recs []Record) {
	batch := make([]dualkv.Record, len(recs))
	for i, rec := range recs {
		key, err := c.decode(rec.Key)
		if err != nil {
			s.fail(w, r, http.StatusBadRequest, fmt.Errorf("record %d: key: %w", i, err))
			return
		}
		value, err := c.decode(rec.Value)
		if err != nil {
			s.fail(w, r, http.StatusBadRequest, fmt.Errorf("record %d: value: %w", i, err))
			return
		}
		payload, err := c.decode(rec.Payload)
		if err != nil {
			s.fail(w, r, http.StatusBadRequest, fmt.Errorf("record %d: payload: %w", i, err))
			return
		}
		batch[i] = dualkv.Record{Key: key, Value: value, Payload: payload}
		if rec.Tag != "" {
			batch[i].Tag = []byte(rec.Tag)
		}
	}
	seq, err := col.Write(r.Context(), batch...)
	if err != nil && seq == 0 {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.logger.WarnContext(r.Context(), "batch committed with index error",
			"request_id", RequestID(r), "seq", seq, "error", err)
	}
	s.respond(w, http.StatusOK, WriteResult{Seq: seq})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) {
	col, c, ok := s.column(w, r)
	if !ok {
		return
	}
	value, err := c.param(r, "value")
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	tag := []byte(r.URL.Query().Get("tag"))

	out, found, err := col.LookupTag(r.Context(), value, tag)
	catchingUp := errors.Is(err, dualkv.ErrCatchingUp)
	if err != nil && !catchingUp {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.fail(w, r, http.StatusNotFound, dualkv.ErrNotFound)
		return
	}
	res := LookupResult{Value: c.encode(value), Output: c.encode(out), CatchingUp: catchingUp}
	if r.URL.Query().Get("keys") == "true" {
		keys, err := col.LookupKeys(r.Context(), value, tag)
		if err != nil && !errors.Is(err, dualkv.ErrCatchingUp) {
			s.writeError(w, r, err)
			return
		}
		for _, k := range keys {
			res.Keys = append(res.Keys, c.encode(k))
		}
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) rangeValues(w http.ResponseWriter, r *http.Request) {
	col, c, ok := s.column(w, r)
	if !ok {
		return
	}
	start, err := c.query(r, "start")
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	end, err := c.query(r, "end")
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	limit := defaultRangeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			s.fail(w, r, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
	}

	seq := col.RangeValues(r.Context(), start, end)
	if p := chi.URLParam(r, "partition"); p != "" {
		seq = col.RangePartition(r.Context(), p, start, end)
	}

	res := RangeResult{Entries: []ValueEntry{}}
	for e, err := range seq {
		if errors.Is(err, dualkv.ErrCatchingUp) {
			res.CatchingUp = true
			continue
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if len(res.Entries) == limit {
			res.More = true
			break
		}
		res.Entries = append(res.Entries, ValueEntry{
			Value:     c.encode(e.Value),
			Output:    c.encode(e.Output),
			Partition: e.Partition,
		})
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) flush(w http.ResponseWriter, r *http.Request) {
	col, _, ok := s.column(w, r)
	if !ok {
		return
	}
	if err := col.Flush(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) compact(w http.ResponseWriter, r *http.Request) {
	col, _, ok := s.column(w, r)
	if !ok {
		return
	}
	if err := col.Compact(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rebuild(w http.ResponseWriter, r *http.Request) {
	col, _, ok := s.column(w, r)
	if !ok {
		return
	}
	if err := col.Rebuild(r.Context(), chi.URLParam(r, "partition")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]uint64{"epoch": col.Stats().Epoch})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, dualkv.ErrNotFound),
		errors.Is(err, dualkv.ErrUnknownColumn),
		errors.Is(err, dualkv.ErrUnknownPartition):
		return http.StatusNotFound
	case errors.Is(err, dualkv.ErrEncodingViolation),
		errors.Is(err, dualkv.ErrInvalidAggregate),
		errors.Is(err, dualkv.ErrNoKeyLister):
		return http.StatusBadRequest
	case errors.Is(err, dualkv.ErrManifestCorruption),
		errors.Is(err, dualkv.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "request_id", RequestID(r), "error", err)
	}
	s.fail(w, r, status, err)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.respond(w, status, errorBody{Error: err.Error(), RequestID: RequestID(r)})
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}
