// Package httpapi implements the single HTTP endpoint: POST / takes a
// document and returns its embedding as raw little-endian float32 bytes.
//
// Kept as a thin shell: this handler parses the request, maps errors to
// status codes, and calls exactly one domain function.
package httpapi

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/vecthash/embedcache/internal/catalog"
	"github.com/vecthash/embedcache/pkg/embedsvc"
)

// maxFormMemory bounds how much of a multipart request body ParseMultipartForm
// buffers in memory before spilling to temp files.
const maxFormMemory = 32 << 20

// Handler serves POST /.
type Handler struct {
	svc          *embedsvc.Service
	catalog      *catalog.Catalog
	defaultModel string
	log          zerolog.Logger

	// writeCacheAsync is called to schedule WriteEmbeddings after the
	// response has been written, so the request's latency stays
	// independent of blob/index I/O. New sets it to run the write in a new
	// goroutine.
	writeCacheAsync func(dw *embedsvc.DeferredWrite)
}

// New constructs a Handler. defaultModel is used when the request omits
// model_name, falling back to the CLI's configured default.
func New(svc *embedsvc.Service, cat *catalog.Catalog, defaultModel string, log zerolog.Logger) *Handler {
	h := &Handler{svc: svc, catalog: cat, defaultModel: defaultModel, log: log}
	h.writeCacheAsync = func(dw *embedsvc.DeferredWrite) {
		go func() {
			if err := svc.WriteEmbeddings(context.Background(), dw); err != nil {
				log.Error().Err(err).Str("hash", dw.Hash).Str("model", dw.Model).Msg("httpapi: deferred write failed")
			}
		}()
	}

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, "malformed form: "+err.Error())
		return
	}

	document := r.FormValue("document")
	if document == "" && !formHasDocument(r) {
		writeError(w, http.StatusUnprocessableEntity, "missing required field: document")
		return
	}

	embType := r.URL.Query().Get("emb_type")
	if embType == "" {
		embType = "sentence"
	}

	switch embType {
	case "sentence":
	case "word":
		writeError(w, http.StatusNotImplemented, `emb_type "word" is not implemented`)
		return
	default:
		writeError(w, http.StatusUnprocessableEntity, "unsupported emb_type: "+strconv.Quote(embType))
		return
	}

	modelName := r.URL.Query().Get("model_name")
	if modelName == "" {
		modelName = h.defaultModel
	}

	if !h.catalog.Known(modelName) {
		writeError(w, http.StatusUnprocessableEntity, "unknown model: "+strconv.Quote(modelName))
		return
	}

	readCache, err := boolQueryParam(r, "read_cache", true)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeCache, err := boolQueryParam(r, "write_cache", true)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	vector, deferred, err := h.svc.GetEmbeddings(r.Context(), document, modelName, readCache)
	if err != nil {
		h.log.Error().Err(err).Str("model", modelName).Msg("httpapi: get embeddings failed")
		writeError(w, http.StatusInternalServerError, "embedding computation failed")

		return
	}

	if deferred != nil && writeCache {
		// Scheduled after the response body is written below: the
		// deferred write runs only once the response has been flushed.
		defer h.writeCacheAsync(deferred)
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	_, _ = w.Write(buf)
}

func formHasDocument(r *http.Request) bool {
	if r.PostForm == nil {
		return false
	}

	_, ok := r.PostForm["document"]

	return ok
}

func boolQueryParam(r *http.Request, name string, def bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New("invalid boolean for " + name + ": " + strconv.Quote(raw))
	}

	return v, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
