/*
Copyright 2024 Stepwise Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package web implements the HTTP API and the websocket gateway: the
// outer surface through which a client creates sessions, drives the
// browser, edits steps and moves archives in and out.
package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/stepwisehq/stepwise"
	"github.com/stepwisehq/stepwise/lib/archive"
	"github.com/stepwisehq/stepwise/lib/defaults"
	"github.com/stepwisehq/stepwise/lib/httplib"
	"github.com/stepwisehq/stepwise/lib/limiter"
	"github.com/stepwisehq/stepwise/lib/secret"
	"github.com/stepwisehq/stepwise/lib/session"
)

// maxArchiveUpload bounds imported archive size.
const maxArchiveUpload = 100 << 20

// Config configures the web handler.
type Config struct {
	// Manager is the session registry.
	Manager *session.Manager
	// Limiter rate-limits socket input.
	Limiter *limiter.Limiter
	// Clock is used for message timestamps and heartbeats.
	Clock clockwork.Clock
	// Log is the parent logger.
	Log logrus.FieldLogger
	// ScreencastQuality is the JPEG quality (0-100) of streamed frames.
	// Nil selects the default; zero is a valid lowest quality.
	ScreencastQuality *int
	// ScreencastMaxFPS caps the frame rate forwarded to clients.
	ScreencastMaxFPS int
	// MaxStepsPerSession bounds archive imports.
	MaxStepsPerSession int
	// TempDir is the root for export staging.
	TempDir string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Manager == nil {
		return trace.BadParameter("missing parameter Manager")
	}
	if c.Limiter == nil {
		return trace.BadParameter("missing parameter Limiter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(stepwise.Component, stepwise.ComponentWeb)
	}
	if c.ScreencastQuality == nil {
		quality := defaults.ScreencastQuality
		c.ScreencastQuality = &quality
	}
	if *c.ScreencastQuality < 0 || *c.ScreencastQuality > 100 {
		return trace.BadParameter("screencast quality out of range (%d)", *c.ScreencastQuality)
	}
	if c.ScreencastMaxFPS == 0 {
		c.ScreencastMaxFPS = defaults.ScreencastMaxFPS
	}
	if c.MaxStepsPerSession == 0 {
		c.MaxStepsPerSession = defaults.MaxStepsPerSession
	}
	if c.TempDir == "" {
		c.TempDir = defaults.TempDir()
	}
	return nil
}

// Handler is the HTTP API server.
type Handler struct {
	httprouter.Router
	cfg      Config
	log      logrus.FieldLogger
	clock    clockwork.Clock
	enc      encoder
	upgrader websocket.Upgrader
}

// NewHandler creates the API server and registers all routes.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:   cfg,
		log:   cfg.Log,
		clock: cfg.Clock,
		enc:   encoder{clock: cfg.Clock},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	if err := registerMetrics(cfg.Manager.ActiveCount); err != nil {
		return nil, trace.Wrap(err)
	}

	h.POST("/api/sessions", httplib.MakeHandler(h.createSession))
	h.GET("/api/sessions/:id", h.withSessionAuth(h.getSession))
	h.POST("/api/sessions/:id/start", h.withSessionAuth(h.startSession))
	h.POST("/api/sessions/:id/end", h.withSessionAuth(h.endSession))
	h.GET("/api/sessions/:id/steps", h.withSessionAuth(h.getSteps))
	h.PATCH("/api/sessions/:id/steps/:stepId", h.withSessionAuth(h.updateStep))
	h.DELETE("/api/sessions/:id/steps/:stepId", h.withSessionAuth(h.deleteStep))
	h.GET("/api/sessions/:id/steps/:stepId/screenshot", h.withSessionAuth(h.getStepScreenshot))

	h.POST("/api/export/:id", h.withSessionAuth(h.exportSession))
	h.GET("/api/export/:id/download/:filename", h.withSessionAuth(h.downloadExport))
	h.POST("/api/import/:id", h.withSessionAuth(h.importArchive))
	h.POST("/api/import/:id/preview", h.withSessionAuth(h.previewArchive))

	h.GET("/ws", h.handleSocket)
	h.GET("/healthz", httplib.MakeHandler(h.healthz))
	h.Handler("GET", "/metrics", promhttp.Handler())

	return h, nil
}

// sessionHandler is an authenticated handler bound to a session.
type sessionHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *session.Session) (interface{}, error)

// withSessionAuth authenticates the bearer token against the session in
// the path. The comparison is constant-time; unknown session and wrong
// token are indistinguishable.
func (h *Handler) withSessionAuth(fn sessionHandler) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		token, err := bearerToken(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s, err := h.cfg.Manager.Authenticate(p.ByName("id"), token)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, s)
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", trace.AccessDenied("missing bearer token")
	}
	return strings.TrimPrefix(header, prefix), nil
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return map[string]interface{}{
		"status":         "ok",
		"version":        stepwise.Version,
		"activeSessions": h.cfg.Manager.ActiveCount(),
	}, nil
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	s, err := h.cfg.Manager.Create(r.Context())
	if err != nil {
		if trace.IsLimitExceeded(err) {
			return nil, httplib.WithCode(err, "TOO_MANY_SESSIONS")
		}
		return nil, trace.Wrap(err)
	}
	return map[string]string{
		"sessionId": s.ID,
		"token":     s.Token,
	}, nil
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *session.Session) (interface{}, error) {
	return s.Snapshot(), nil
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *session.Session) (interface{}, error) {
	var req struct {
		StartURL string `json:"startUrl"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Manager.Start(r.Context(), s.ID, req.StartURL); err != nil {
		return nil, trace.Wrap(err)
	}
	return s.Snapshot(), nil
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *session.Session) (interface{}, error) {
	if err := h.cfg.Manager.End(r.Context(), s.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	return s.Snapshot(), nil
}

func (h *Handler) getSteps(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *session.Session) (interface{}, error) {
	return s.Steps(), nil
}

func (h *Handler) updateStep(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *session.Session) (interface{}, error) {
	var req struct {
		Caption *string `json:"caption"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Caption == nil {
		return nil, trace.BadParameter("nothing to update")
	}
	step, err := s.UpdateStepCaption(p.ByName("stepId"), *req.Caption)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return step, nil
}

func (h *Handler) deleteStep(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *session.Session) (interface{}, error) {
	if err := s.DeleteStep(p.ByName("stepId")); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]bool{"deleted": true}, nil
}

func (h *Handler) getStepScreenshot(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *session.Session) (interface{}, error) {
	step, err := s.GetStep(p.ByName("stepId"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if step.ScreenshotPath == "" {
		return nil, trace.NotFound("step %v has no screenshot", step.ID)
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, step.ScreenshotPath)
	return nil, nil
}

// ExportDir returns where a session's export files are staged. Removed
// together with the session.
func ExportDir(tempDir, sessionID string) string {
	return filepath.Join(tempDir, "exports", sessionID)
}

func (h *Handler) exportSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *session.Session) (interface{}, error) {
	var req struct {
		Format             string `json:"format"`
		Title              string `json:"title"`
		Password           string `json:"password"`
		IncludeScreenshots *bool  `json:"includeScreenshots"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Format != "" && req.Format != "stepwise" {
		return nil, trace.BadParameter("unsupported export format %q", req.Format)
	}
	steps := s.Steps()
	if len(steps) == 0 {
		return nil, trace.BadParameter("session has no steps to export")
	}
	includeScreenshots := true
	if req.IncludeScreenshots != nil {
		includeScreenshots = *req.IncludeScreenshots
	}

	data, err := archive.Export(steps, h.clock.Now(), archive.ExportOptions{
		Title:              req.Title,
		Password:           req.Password,
		IncludeScreenshots: includeScreenshots,
	})
	if err != nil {
		return nil, httplib.WithCode(trace.Wrap(err), "EXPORT_FAILED")
	}

	dir := ExportDir(h.cfg.TempDir, s.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, httplib.WithCode(trace.ConvertSystemError(err), "EXPORT_FAILED")
	}
	filename := exportFilename(req.Title, h.clock.Now().Unix())
	if err := os.WriteFile(filepath.Join(dir, filename), data, 0o600); err != nil {
		return nil, httplib.WithCode(trace.ConvertSystemError(err), "EXPORT_FAILED")
	}
	return map[string]string{"filename": filename}, nil
}

// exportFilename builds a safe filename from the guide title.
func exportFilename(title string, unix int64) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == ' ', r == '-', r == '_':
			return '-'
		}
		return -1
	}, title)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "guide"
	}
	return fmt.Sprintf("%s-%d.stepwise", slug, unix)
}

func (h *Handler) downloadExport(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *session.Session) (interface{}, error) {
	filename := p.ByName("filename")
	if filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return nil, trace.BadParameter("invalid filename")
	}
	path := filepath.Join(ExportDir(h.cfg.TempDir, s.ID), filename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.NotFound("export %v not found", filename)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	_, _ = w.Write(data)
	return nil, nil
}

// readArchiveUpload pulls the archive file and optional password out of
// a multipart form.
func readArchiveUpload(r *http.Request) ([]byte, string, error) {
	if err := r.ParseMultipartForm(maxArchiveUpload); err != nil {
		return nil, "", trace.BadParameter("malformed multipart form: %v", err)
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, "", trace.BadParameter("missing archive file")
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxArchiveUpload))
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	return data, r.FormValue("password"), nil
}

func importError(err error) error {
	switch {
	case errors.Is(err, secret.ErrDecryptFailed), errors.Is(err, archive.ErrPasswordRequired):
		return httplib.WithCode(trace.BadParameter("wrong password or corrupt archive"), "IMPORT_DECRYPT_FAILED")
	case errors.Is(err, archive.ErrInvalid):
		return httplib.WithCode(trace.BadParameter("%s", trace.UserMessage(err)), "IMPORT_INVALID")
	}
	return trace.Wrap(err)
}

func (h *Handler) importArchive(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *session.Session) (interface{}, error) {
	data, password, err := readArchiveUpload(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	workdir, err := s.WorkDir()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := archive.Import(data, password, workdir, h.cfg.MaxStepsPerSession)
	if err != nil {
		return nil, importError(err)
	}
	s.ReplaceSteps(result.Steps)
	result.Steps = s.Steps()
	return result, nil
}

func (h *Handler) previewArchive(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *session.Session) (interface{}, error) {
	data, password, err := readArchiveUpload(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	preview, err := archive.Preview(data, password)
	if err != nil {
		return nil, importError(err)
	}
	return preview, nil
}
