package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/core/usecase"
)

const defaultMaxUploadBytes = 10 << 20

// DocumentService is the corpus surface the router needs.
type DocumentService interface {
	ports.DocumentIngestor
	ports.DocumentReader
	ClearCorpus(ctx context.Context) (int, error)
}

type QueryService interface {
	Search(ctx context.Context, req usecase.SearchRequest) (*domain.SearchResponse, error)
	Ask(ctx context.Context, req usecase.AskRequest) (*usecase.AnswerStream, error)
}

type HTTPMetrics interface {
	Handler() http.Handler
	Middleware(next http.Handler) http.Handler
}

type Options struct {
	// Processor makes POST /v1/documents enqueue instead of ingesting inline.
	Processor      ports.DocumentProcessor
	Metrics        HTTPMetrics
	MaxUploadBytes int64
}

type Router struct {
	docs  DocumentService
	query QueryService
	opts  Options
}

func NewRouter(docs DocumentService, query QueryService, opts Options) *Router {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &Router{docs: docs, query: query, opts: opts}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/documents", rt.uploadDocument)
	mux.HandleFunc("GET /v1/documents", rt.listDocuments)
	mux.HandleFunc("DELETE /v1/documents", rt.clearCorpus)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocumentByID)
	mux.HandleFunc("DELETE /v1/documents/{id}", rt.deleteDocument)
	mux.HandleFunc("POST /v1/search", rt.search)
	mux.HandleFunc("POST /v1/ask", rt.ask)

	chain := []func(http.Handler) http.Handler{withRequestID, withTracing, withAccessLog}
	if rt.opts.Metrics != nil {
		mux.Handle("GET /metrics", rt.opts.Metrics.Handler())
		chain = append(chain, rt.opts.Metrics.Middleware)
	}
	chain = append(chain, withRecover)
	return wrap(mux, chain...)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadRequest struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Filename string   `json:"filename"`
	Tags     []string `json:"tags"`
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, rt.opts.MaxUploadBytes)
	job, err := decodeUpload(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if rt.opts.Processor != nil {
		doc, err := rt.opts.Processor.Enqueue(r.Context(), job)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, doc)
		return
	}

	result, err := rt.docs.Ingest(r.Context(), job)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// decodeUpload accepts a JSON body or a multipart form with a "file" field.
func decodeUpload(r *http.Request) (domain.IngestJob, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return decodeMultipartUpload(r)
	}

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return domain.IngestJob{}, domain.WrapError(domain.ErrInvalidParameter, "decode upload", err)
	}
	return domain.IngestJob{
		DocumentID: strings.TrimSpace(req.ID),
		Text:       req.Text,
		Metadata: domain.DocumentMetadata{
			Filename: strings.TrimSpace(req.Filename),
			Tags:     cleanTags(req.Tags),
		},
	}, nil
}

func decodeMultipartUpload(r *http.Request) (domain.IngestJob, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return domain.IngestJob{}, domain.InvalidParameter("multipart field 'file' is required")
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return domain.IngestJob{}, domain.WrapError(domain.ErrInvalidParameter, "read upload", err)
	}
	return domain.IngestJob{
		DocumentID: strings.TrimSpace(r.FormValue("id")),
		Text:       string(raw),
		Metadata: domain.DocumentMetadata{
			Filename: header.Filename,
			Tags:     cleanTags(strings.Split(r.FormValue("tags"), ",")),
		},
	}, nil
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (rt *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := rt.docs.ListDocuments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (rt *Router) getDocumentByID(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.docs.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := rt.docs.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) clearCorpus(w http.ResponseWriter, r *http.Request) {
	removed, err := rt.docs.ClearCorpus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": removed})
}

func (rt *Router) search(w http.ResponseWriter, r *http.Request) {
	var req usecase.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidParameter, "decode search request", err))
		return
	}
	resp, err := rt.query.Search(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) ask(w http.ResponseWriter, r *http.Request) {
	var req usecase.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidParameter, "decode ask request", err))
		return
	}
	stream, err := rt.query.Ask(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	if !req.Stream {
		answer, err := stream.Collect(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, answer)
		return
	}
	rt.streamAnswer(w, r, stream)
}

type tokenEvent struct {
	Token string `json:"token"`
}

func (rt *Router) streamAnswer(w http.ResponseWriter, r *http.Request, stream *usecase.AnswerStream) {
	defer stream.Close()

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}

	started := time.Now()
	for {
		select {
		case <-r.Context().Done():
			slog.InfoContext(r.Context(), "answer_stream_abandoned",
				"duration_ms", time.Since(started).Milliseconds(),
			)
			return
		case event, ok := <-stream.Events():
			if !ok {
				return
			}
			var writeErr error
			switch event.Type {
			case domain.EventToken:
				writeErr = sse.send("token", tokenEvent{Token: event.Token})
			case domain.EventDone:
				writeErr = sse.send("done", event.Answer)
			case domain.EventError:
				writeErr = sse.send("error", newErrorResponse(event.Err))
			}
			if writeErr != nil {
				slog.WarnContext(r.Context(), "answer_stream_write_failed", "error", writeErr)
				return
			}
			if event.Type != domain.EventToken {
				return
			}
		}
	}
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming is not supported by response writer")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
