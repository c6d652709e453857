package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"budgetflow/internal/log"

	nanoid "github.com/matoous/go-nanoid/v2"
)

const (
	requestIDHeader   = "X-Request-ID"
	requestIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	requestIDLength   = 12
)

// newRequestID returns a short URL-safe request ID.
func newRequestID() string {
	id, err := nanoid.Generate(requestIDAlphabet, requestIDLength)
	if err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + id
}

// requestID reuses a well-formed incoming X-Request-ID.
func requestID(r *http.Request) string {
	if id := r.Header.Get(requestIDHeader); id != "" && len(id) <= 64 {
		return id
	}
	return newRequestID()
}

// trace tags every request with an ID and a request-scoped logger, flags
// suspicious requests and logs completion with the captured status.
func (s *Server) trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := requestID(r)
		clientIP := extractClientIP(r)

		logger := s.logger.With(log.FieldRequestID, id)
		ctx := context.WithValue(r.Context(), log.LoggerContextKey, logger)
		r = r.WithContext(ctx)
		w.Header().Set(requestIDHeader, id)

		if detectSuspiciousRequest(r, &s.security) {
			logger.WarnContext(ctx, "Suspicious request",
				log.FieldMethod, r.Method,
				log.FieldPath, r.URL.Path,
				log.FieldClientIP, clientIP,
				log.FieldUserAgent, r.Header.Get("User-Agent"))
		}

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		log.NewStructuredLogger(logger).LogHTTPEnd(ctx, r, rw.statusCode, time.Since(start).Milliseconds(), clientIP)
	})
}

// responseWriter captures the status code. Flush and Unwrap keep streaming
// responses working through http.ResponseController.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
