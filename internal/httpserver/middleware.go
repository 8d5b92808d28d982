package httpserver

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/zap"

	"github.com/huddlecall/huddle-signal/internal/origin"
)

const requestIDHeader = "X-Request-ID"

func newRecovery(logger *zap.Logger) *negroni.Recovery {
	rec := negroni.NewRecovery()
	rec.Logger = zap.NewStdLog(logger.Named("recovery"))
	// stacks go to the log, never to the client
	rec.PrintStack = false
	return rec
}

// requestLogger tags every request with an id (reusing a client-supplied
// X-Request-ID) and logs one line when the handler returns.
func requestLogger(logger *zap.Logger) negroni.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
			r.Header.Set(requestIDHeader, reqID)
		}
		w.Header().Set(requestIDHeader, reqID)

		start := time.Now()
		next(w, r)

		status := 0
		if rw, ok := w.(negroni.ResponseWriter); ok {
			status = rw.Status()
		}
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remoteAddr", r.RemoteAddr),
			zap.String("requestId", reqID),
		)
	}
}

// corsMiddleware answers preflights and adds CORS headers for origins the
// origin policy accepts. Rejection itself is left to withOriginPolicy.
func (s *Server) corsMiddleware() *cors.Cors {
	return cors.New(cors.Options{
		AllowOriginRequestFunc: func(r *http.Request, o string) bool {
			normalized, host, ok := origin.NormalizeHeader(o)
			return ok && origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins)
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           600,
	})
}

// withOriginPolicy rejects browser requests from disallowed origins with 403.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		normalized, ok := origin.CheckRequest(r, s.cfg.AllowedOrigins)
		if !ok {
			s.log.Debug("rejected origin", zap.String("origin", normalized), zap.String("path", r.URL.Path))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}
