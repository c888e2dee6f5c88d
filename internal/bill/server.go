package bill

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Server handles HTTP requests for bill uploads
type Server struct {
	intake    *Intake
	processor *Processor
	auth      BearerAuth
	uploads   UploadReceiver
	mux       *http.ServeMux
	handler   http.Handler
	httpSrv   *http.Server

	processOnUpload bool
	background      sync.WaitGroup
}

// BearerAuth holds the shared secret guarding the processing endpoint
type BearerAuth struct {
	Token string
}

var errTokenMissing = fmt.Errorf("%w: token is missing", ErrUnauthorized)

// Check validates an Authorization header value
func (a BearerAuth) Check(header string) error {
	if header == "" {
		return errTokenMissing
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || a.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) != 1 {
		return fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return nil
}

// NewServer creates a new Server with default mux. uploads may be nil when
// the object store issues its own upload URLs.
func NewServer(intake *Intake, processor *Processor, auth BearerAuth, uploads UploadReceiver) *Server {
	return NewServerWithMux(intake, processor, auth, uploads, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(intake *Intake, processor *Processor, auth BearerAuth, uploads UploadReceiver, mux *http.ServeMux) *Server {
	s := &Server{
		intake:    intake,
		processor: processor,
		auth:      auth,
		uploads:   uploads,
		mux:       mux,
	}
	s.registerRoutes()
	s.handler = s.recoverMiddleware(s.corsMiddleware(s.mux))
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// requireBearer rejects requests without the shared secret
func (s *Server) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.Check(r.Header.Get("Authorization")); err != nil {
			message := "Invalid token!"
			if errors.Is(err, errTokenMissing) {
				message = "Token is missing!"
			} else {
				slog.Warn("Rejected request with invalid token", "path", r.URL.Path, "remote", r.RemoteAddr)
			}
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": message})
			return
		}

		next(w, r)
	}
}

// ProcessOnUpload makes the server process every bill received on the local
// upload route, the way an object-created event does for a bucket
func (s *Server) ProcessOnUpload() {
	s.processOnUpload = true
}

// processInBackground processes an uploaded file outside of its request
func (s *Server) processInBackground(ctx context.Context, key string) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.processor.Process(ctx, key); err != nil {
			slog.Error("Error processing uploaded bill", "file_key", key, "error", err)
		}
	}()
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware turns a panic in a handler into a 500 response
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				slog.Error("Panic serving request",
					"path", r.URL.Path,
					"panic", v,
					"stack", string(debug.Stack()),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"status":  "error",
					"message": "internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/bill_url", s.handleBillURL)
	s.mux.HandleFunc("POST /api/process_image", s.requireBearer(s.handleProcessImage))

	if s.uploads != nil {
		s.mux.HandleFunc("PUT /uploads/{key}", s.handleUpload)
	}
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	s.httpSrv.Addr = addr
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server and waits for uploads still being
// processed
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
