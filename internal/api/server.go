// Package api serves the dashboard HTTP API.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"porchwatch/internal/auth"
	"porchwatch/internal/database"
	plog "porchwatch/internal/log"
	mw "porchwatch/internal/middleware"
	"porchwatch/internal/pipeline"
)

// StatsProvider exposes the running pipeline's counters
type StatsProvider interface {
	Stats() pipeline.PipelineStats
}

// Records is the read side of the local database
type Records interface {
	Ping() error
	ListDetections(filter database.DetectionFilter) ([]*database.DetectionRecord, error)
	GetDetection(id string) (*database.DetectionRecord, error)
	CountDetections() (int64, error)
	ListCaptures(status string, limit int) ([]*database.CaptureRecord, error)
}

// ImageResolver maps a storage key to a local file
type ImageResolver interface {
	ImagePath(key string) (string, error)
}

// Authenticator issues and checks dashboard tokens
type Authenticator interface {
	mw.TokenValidator
	Authenticate(username, password string) (string, int64, error)
}

// DetectorHealthFunc reports the active detector backend
type DetectorHealthFunc func(ctx context.Context) (name string, healthy bool)

// Config wires the API to the rest of the process. Records, Images,
// DetectorHealth and Live are optional.
type Config struct {
	DeviceID       string
	Auth           Authenticator
	Stats          StatsProvider
	Records        Records
	Images         ImageResolver
	DetectorHealth DetectorHealthFunc
	Live           http.Handler // Websocket capture feed
	Debug          bool
	DebugOutput    io.Writer
}

// Server holds the API handlers
type Server struct {
	config Config
	mux    goahttp.Muxer
	logger *slog.Logger
}

// New builds the API handler with request logging, request IDs and auth
func New(config Config) http.Handler {
	s := &Server{
		config: config,
		mux:    goahttp.NewMuxer(),
		logger: plog.Component("api"),
	}
	s.mount()

	var handler http.Handler = s.mux
	if config.Debug && config.DebugOutput != nil {
		handler = httpmdlwr.Debug(s.mux, config.DebugOutput)(handler)
	}
	if config.Auth != nil {
		handler = mw.AuthMiddleware(config.Auth, "/api/login", "/api/health")(handler)
	}

	adapter := middleware.NewLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug))
	handler = httpmdlwr.Log(adapter)(handler)
	handler = httpmdlwr.RequestID()(handler)
	return handler
}

func (s *Server) mount() {
	s.mux.Handle("POST", "/api/login", s.handleLogin)
	s.mux.Handle("GET", "/api/health", s.handleHealth)
	s.mux.Handle("GET", "/api/stats", s.handleStats)
	s.mux.Handle("GET", "/api/detections", s.handleListDetections)
	s.mux.Handle("GET", "/api/detections/{id}", s.handleGetDetection)
	s.mux.Handle("GET", "/api/images/{device}/{file}", s.handleImage)
	s.mux.Handle("GET", "/api/captures", s.handleListCaptures)
	if s.config.Live != nil {
		s.mux.Handle("GET", "/ws/captures", s.config.Live.ServeHTTP)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSON encodes v with the goa response encoder
func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "request_id", requestID(ctx), "error", err)
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	s.writeJSON(ctx, w, status, errorBody{Error: msg, RequestID: requestID(ctx)})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	return id
}

var _ Authenticator = (*auth.Authenticator)(nil)
