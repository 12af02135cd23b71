package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	goahttp "goa.design/goa/v3/http"

	"porchwatch/internal/auth"
	"porchwatch/internal/database"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.config.Auth == nil || !s.config.Auth.IsEnabled() {
		s.writeError(ctx, w, http.StatusNotFound, "authentication is disabled")
		return
	}

	var body loginRequest
	if err := goahttp.RequestDecoder(r).Decode(&body); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := s.config.Auth.Authenticate(body.Username, body.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.logger.Warn("failed login attempt", "username", body.Username, "remote", r.RemoteAddr)
		s.writeError(ctx, w, http.StatusUnauthorized, "invalid credentials")
		return
	case err != nil:
		s.writeError(ctx, w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(ctx, w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

type healthResponse struct {
	Status          string `json:"status"`
	DeviceID        string `json:"device_id"`
	Database        string `json:"database"`
	Detector        string `json:"detector,omitempty"`
	DetectorHealthy bool   `json:"detector_healthy"`
	CameraConnected bool   `json:"camera_connected"`
}

// handleHealth is public. Degraded components still answer 200 so the
// dashboard can render them, only a dead database is a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{Status: "ok", DeviceID: s.config.DeviceID, Database: "disabled"}
	status := http.StatusOK

	if s.config.Records != nil {
		resp.Database = "ok"
		if err := s.config.Records.Ping(); err != nil {
			resp.Database = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}

	if s.config.DetectorHealth != nil {
		resp.Detector, resp.DetectorHealthy = s.config.DetectorHealth(ctx)
		if !resp.DetectorHealthy && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	if s.config.Stats != nil {
		if sampler := s.config.Stats.Stats().Sampler; sampler != nil {
			resp.CameraConnected = sampler.Connected
		}
		if !resp.CameraConnected && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	s.writeJSON(ctx, w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.config.Stats == nil {
		s.writeError(r.Context(), w, http.StatusServiceUnavailable, "pipeline not running")
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, s.config.Stats.Stats())
}

type detectionList struct {
	Detections []*database.DetectionRecord `json:"detections"`
	Total      int64                       `json:"total"`
}

func (s *Server) handleListDetections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.config.Records == nil {
		s.writeError(ctx, w, http.StatusNotFound, "no local records")
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	filter := database.DetectionFilter{DeviceID: q.Get("device"), Limit: limit}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(ctx, w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &since
	}

	records, err := s.config.Records.ListDetections(filter)
	if err != nil {
		s.logger.Error("failed to list detections", "request_id", requestID(ctx), "error", err)
		s.writeError(ctx, w, http.StatusInternalServerError, "failed to list detections")
		return
	}
	total, err := s.config.Records.CountDetections()
	if err != nil {
		s.logger.Warn("failed to count detections", "error", err)
	}
	if records == nil {
		records = []*database.DetectionRecord{}
	}

	s.writeJSON(ctx, w, http.StatusOK, detectionList{Detections: records, Total: total})
}

func (s *Server) handleGetDetection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.config.Records == nil {
		s.writeError(ctx, w, http.StatusNotFound, "no local records")
		return
	}

	id := s.mux.Vars(r)["id"]
	rec, err := s.config.Records.GetDetection(id)
	if errors.Is(err, database.ErrNotFound) {
		s.writeError(ctx, w, http.StatusNotFound, "detection not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get detection", "id", id, "error", err)
		s.writeError(ctx, w, http.StatusInternalServerError, "failed to get detection")
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, rec)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.config.Images == nil {
		s.writeError(ctx, w, http.StatusNotFound, "images are not stored locally")
		return
	}

	vars := s.mux.Vars(r)
	path, err := s.config.Images.ImagePath(vars["device"] + "/" + vars["file"])
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := os.Stat(path); err != nil {
		s.writeError(ctx, w, http.StatusNotFound, "image not found")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=86400")
	http.ServeFile(w, r, path)
}

type captureList struct {
	Captures []*database.CaptureRecord `json:"captures"`
}

func (s *Server) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.config.Records == nil {
		s.writeError(ctx, w, http.StatusNotFound, "no local records")
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.config.Records.ListCaptures(q.Get("status"), limit)
	if err != nil {
		s.logger.Error("failed to list captures", "request_id", requestID(ctx), "error", err)
		s.writeError(ctx, w, http.StatusInternalServerError, "failed to list captures")
		return
	}
	if records == nil {
		records = []*database.CaptureRecord{}
	}
	s.writeJSON(ctx, w, http.StatusOK, captureList{Captures: records})
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
