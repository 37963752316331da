package gateway

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marcus20232023/a2a-shib-payments/core/fault"
	"github.com/marcus20232023/a2a-shib-payments/gateway/middleware"
)

const maxRequestBody = 1 << 20

// idempotent replays the cached response when a request repeats an
// Idempotency-Key with the same body, and rejects reuse with a different
// body. Without a store or key it is a pass-through.
func (s *Server) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" || s.store == nil {
			next(w, r)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			s.writeError(w, fault.InvalidInput("read request body: %v", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		sum := sha256.Sum256(body)
		hash := hex.EncodeToString(sum[:])
		subject := subjectFrom(r)

		cached, err := s.store.LookupIdempotency(r.Context(), subject, key, hash)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}

		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if rec.status < http.StatusInternalServerError {
			if err := s.store.SaveIdempotency(r.Context(), subject, key, hash, rec.status, rec.body.Bytes()); err != nil {
				s.logger.Warn("idempotency save failed", "error", err)
			}
		}
	}
}

// audit records method, path and status for every request when a store is
// attached.
func (s *Server) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			next.ServeHTTP(w, r)
			return
		}
		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK, discard: true}
		next.ServeHTTP(rec, r)
		entry := AuditEntry{
			Subject:        subjectFrom(r),
			Method:         r.Method,
			Path:           r.URL.Path,
			ResponseStatus: rec.status,
			Timestamp:      time.Now().UTC(),
		}
		if err := s.store.InsertAuditLog(r.Context(), entry); err != nil {
			s.logger.Warn("audit log insert failed", "error", err)
		}
	})
}

func subjectFrom(r *http.Request) string {
	if subject, ok := r.Context().Value(middleware.ContextKeySubject).(string); ok && subject != "" {
		return subject
	}
	return "anonymous"
}

// captureWriter tees the response body for idempotency caching; with discard
// set it only tracks the status.
type captureWriter struct {
	http.ResponseWriter
	status  int
	body    bytes.Buffer
	discard bool
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if !c.discard {
		c.body.Write(p)
	}
	return c.ResponseWriter.Write(p)
}
