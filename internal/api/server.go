// Package api exposes the emulated S3 HTTP surface: bucket and object
// lifecycle, listing, and batch delete, with object bodies flowing
// through the throttled transport on both ingest and egress.
package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/yadazula/s3emulator/internal/storage"
	"github.com/yadazula/s3emulator/internal/throttle"
	"github.com/yadazula/s3emulator/internal/types"
	"github.com/yadazula/s3emulator/internal/wire"
)

// Server dispatches S3 API requests against a storage engine.
type Server struct {
	storage      storage.Storage
	maxBPS       int64
	server       *http.Server
	log          zerolog.Logger
	shutdownOnce sync.Once
}

// NewServer creates an API server bound to addr. maxBytesPerSecond caps
// the transfer rate of object bodies; zero disables throttling.
func NewServer(addr string, store storage.Storage, maxBytesPerSecond int64, logger zerolog.Logger) *Server {
	s := &Server{
		storage: store,
		maxBPS:  maxBytesPerSecond,
		log:     logger,
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/", s.listBuckets).Methods(http.MethodGet)

	// Bucket operations
	r.HandleFunc("/{bucket}", s.headBucket).Methods(http.MethodHead)
	r.HandleFunc("/{bucket}", s.listObjects).Methods(http.MethodGet)
	r.HandleFunc("/{bucket}", s.addBucket).Methods(http.MethodPut)
	r.HandleFunc("/{bucket}", s.deleteBucket).Methods(http.MethodDelete)
	r.HandleFunc("/{bucket}", s.postBucket).Methods(http.MethodPost)

	// Object operations
	r.HandleFunc("/{bucket}/{key:.+}", s.addObject).Methods(http.MethodPut)
	r.HandleFunc("/{bucket}/{key:.+}", s.getObject).Methods(http.MethodGet)
	r.HandleFunc("/{bucket}/{key:.+}", s.deleteObject).Methods(http.MethodDelete)

	s.server = &http.Server{Addr: addr, Handler: r}

	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens and serves until Shutdown. http.ErrServerClosed is
// swallowed so a graceful stop reads as a clean return.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}

	s.log.Info().Str("addr", listener.Addr().String()).Msg("api server listening")

	if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. Safe to call more than once;
// later calls are no-ops.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.log.Info().Msg("api server shutting down")
		err = s.server.Shutdown(ctx)
	})
	return err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// respondXML writes v's XML document with the given status. Values the
// wire package does not model produce an empty body.
func (s *Server) respondXML(w http.ResponseWriter, status int, v any) {
	body, err := wire.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("serialize response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// GET / lists all buckets.
func (s *Server) listBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.storage.ListBuckets(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondXML(w, http.StatusOK, buckets)
}

// HEAD /{bucket} answers 200 or 404 with no body.
func (s *Server) headBucket(w http.ResponseWriter, r *http.Request) {
	bucket, err := s.storage.GetBucket(r.Context(), mux.Vars(r)["bucket"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if bucket == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GET /{bucket} lists objects; prefix, delimiter, marker and max-keys
// map onto the search request.
func (s *Server) listObjects(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["bucket"]

	bucket, err := s.storage.GetBucket(r.Context(), name)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if bucket == nil {
		s.respondXML(w, http.StatusNotFound, types.BucketNotFound{BucketName: name})
		return
	}

	req, err := searchRequest(name, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.storage.Search(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondXML(w, http.StatusOK, resp)
}

func searchRequest(bucket string, r *http.Request) (*types.SearchRequest, error) {
	query := r.URL.Query()

	req := &types.SearchRequest{
		BucketName: bucket,
		Prefix:     query.Get("prefix"),
		Delimiter:  query.Get("delimiter"),
		Marker:     query.Get("marker"),
	}

	raw := query.Get("max-keys")
	if raw == "" {
		raw = query.Get("maxkeys")
	}
	if raw != "" {
		maxKeys, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid max-keys value %q", raw)
		}
		req.MaxKeys = maxKeys
	}

	return req, nil
}

// PUT /{bucket} creates the bucket.
func (s *Server) addBucket(w http.ResponseWriter, r *http.Request) {
	bucket := &types.Bucket{
		Name:         mux.Vars(r)["bucket"],
		CreationDate: time.Now().UTC(),
	}

	if err := s.storage.AddBucket(r.Context(), bucket); err != nil {
		s.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// DELETE /{bucket} removes the bucket; absent buckets are a no-op.
func (s *Server) deleteBucket(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.DeleteBucket(r.Context(), mux.Vars(r)["bucket"]); err != nil {
		s.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// POST /{bucket}?delete removes every key named in the request body.
// Any other POST is accepted with an empty 204.
func (s *Server) postBucket(w http.ResponseWriter, r *http.Request) {
	if r.URL.RawQuery != "delete" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	keys, err := wire.ParseDelete(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	bucket := mux.Vars(r)["bucket"]
	for _, key := range keys {
		if err := s.storage.DeleteObject(r.Context(), bucket, key); err != nil {
			s.respondError(w, r, err)
			return
		}
	}

	s.respondXML(w, http.StatusOK, types.DeleteResult{Keys: keys})
}

// PUT /{bucket}/{key} stores an object. The body is read through the
// throttled transport; checksum and size are computed at ingest.
func (s *Server) addObject(w http.ResponseWriter, r *http.Request) {
	if r.URL.RawQuery == "acl" {
		// Accepted but not modeled.
		w.WriteHeader(http.StatusOK)
		return
	}

	vars := mux.Vars(r)

	data, err := io.ReadAll(throttle.NewReader(r.Body, s.maxBPS))
	if err != nil {
		http.Error(w, fmt.Sprintf("read request body: %v", err), http.StatusBadRequest)
		return
	}

	checksum := types.Checksum(data)

	obj := &types.Object{
		Bucket:       vars["bucket"],
		Key:          vars["key"],
		ContentType:  r.Header.Get("Content-Type"),
		Checksum:     checksum,
		CreationDate: time.Now().UTC(),
		Size:         int64(len(data)),
		Content:      types.BlobBytes(data),
	}

	if err := s.storage.AddObject(r.Context(), obj); err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("ETag", fmt.Sprintf("%q", checksum))
	w.WriteHeader(http.StatusOK)
}

// GET /{bucket}/{key} streams the object through the throttled
// transport. A missing blob behind present metadata is an integrity
// failure, not a 404.
func (s *Server) getObject(w http.ResponseWriter, r *http.Request) {
	if r.URL.RawQuery == "acl" {
		s.respondXML(w, http.StatusOK, types.ACLPolicy{})
		return
	}

	vars := mux.Vars(r)

	obj, err := s.storage.GetObject(r.Context(), vars["bucket"], vars["key"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if obj == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	content, err := obj.Content()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("ETag", fmt.Sprintf("%q", obj.Checksum))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(throttle.NewWriter(w, s.maxBPS), content); err != nil {
		s.log.Error().Err(err).Str("object", obj.ID()).Msg("stream object content")
	}
}

// DELETE /{bucket}/{key} removes the object; absent objects are a no-op.
func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := s.storage.DeleteObject(r.Context(), vars["bucket"], vars["key"]); err != nil {
		s.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
