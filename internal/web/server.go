// Package web serves the loopback control panel: JSON endpoints for
// status, config, credentials, sessions, chat (SSE), heartbeat, costs,
// and cron jobs, plus Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelworks/valet/internal/config"
	"github.com/kestrelworks/valet/internal/costs"
	"github.com/kestrelworks/valet/internal/creds"
	"github.com/kestrelworks/valet/internal/cron"
	"github.com/kestrelworks/valet/internal/heartbeat"
	"github.com/kestrelworks/valet/internal/providers"
	"github.com/kestrelworks/valet/internal/session"
	"github.com/kestrelworks/valet/internal/tools"
)

// ServerOptions wires the panel's collaborators.
type ServerOptions struct {
	Config      *config.Store
	Creds       creds.Store
	Engine      *session.Engine
	Registry    *providers.Registry
	Tools       *tools.Registry
	Ledger      *costs.Ledger
	Heartbeat   *heartbeat.Runner
	Audit       *heartbeat.AuditLog
	Crons       *cron.Store
	LogTail     func() []string
	SkillsDir   string
	ContextsDir string
	Version     string
	Logger      *slog.Logger
}

// Server is the loopback HTTP control surface.
type Server struct {
	opts      ServerOptions
	logger    *slog.Logger
	mux       *http.ServeMux
	srv       *http.Server
	startedAt time.Time
}

// NewServer builds the panel with all routes registered.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:      opts,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/gateway", s.handleGateway)
	s.mux.HandleFunc("GET /api/gateway/log", s.handleGatewayLog)
	s.mux.HandleFunc("GET /api/config", s.handleConfigGet)
	s.mux.HandleFunc("POST /api/config", s.handleConfigSet)
	s.mux.HandleFunc("GET /api/creds/{name}", s.handleCredGet)
	s.mux.HandleFunc("POST /api/creds/{name}", s.handleCredSet)
	s.mux.HandleFunc("DELETE /api/creds/{name}", s.handleCredDelete)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	s.mux.HandleFunc("POST /api/chat/new", s.handleChatNew)
	s.mux.HandleFunc("POST /api/chat/context", s.handleChatContext)
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/heartbeat/run", s.handleHeartbeatRun)
	s.mux.HandleFunc("GET /api/heartbeat/audit", s.handleHeartbeatAudit)
	s.mux.HandleFunc("GET /api/costs", s.handleCosts)
	s.mux.HandleFunc("GET /api/crons", s.handleCronsList)
	s.mux.HandleFunc("POST /api/crons", s.handleCronsAdd)
	s.mux.HandleFunc("DELETE /api/crons/{id}", s.handleCronsDelete)
	s.mux.HandleFunc("GET /api/capabilities", s.handleCapabilities)
	s.mux.HandleFunc("GET /api/skills", s.handleSkills)
	s.mux.HandleFunc("GET /api/custom-tools", s.handleCustomTools)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Start listens on the configured address, which must stay on loopback:
// the panel has no auth of its own.
func (s *Server) Start() error {
	addr := s.opts.Config.Config().Panel.Addr
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("web: bad panel addr %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("web: panel addr %q is not loopback", addr)
	}

	s.srv = &http.Server{Addr: addr, Handler: s.mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", addr, err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("panel serve failed", "error", err)
		}
	}()
	s.logger.Info("panel listening", "addr", addr)
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func readBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.opts.Config.Config()
	summaries, _ := s.opts.Engine.Store().List()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":           s.opts.Version,
		"uptime_seconds":    int(time.Since(s.startedAt).Seconds()),
		"sessions":          len(summaries),
		"budget":            s.opts.Ledger.BudgetCheck(),
		"heartbeat_enabled": cfg.Heartbeat.Enabled,
		"telegram_enabled":  cfg.Telegram.Enabled,
		"roles":             s.opts.Registry.Roles(),
	})
}

func (s *Server) handleGateway(w http.ResponseWriter, _ *http.Request) {
	cfg := s.opts.Config.Config()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pid":        os.Getpid(),
		"started_at": s.startedAt,
		"data_dir":   config.ExpandPath(cfg.DataDir),
		"panel_addr": cfg.Panel.Addr,
	})
}

func (s *Server) handleGatewayLog(w http.ResponseWriter, _ *http.Request) {
	lines := []string{}
	if s.opts.LogTail != nil {
		lines = s.opts.LogTail()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Config.Raw())
}

func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	if err := readBody(r, &in); err != nil || in.Key == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("expected {key, value}"))
		return
	}
	if err := s.opts.Config.Set(in.Key, in.Value); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Config.Raw())
}

// handleCredGet reports presence only; secret values never leave the
// credential store through the panel.
func (s *Server) handleCredGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	_, err := s.opts.Creds.Get(name)
	s.writeJSON(w, http.StatusOK, map[string]any{"name": name, "present": err == nil})
}

func (s *Server) handleCredSet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var in struct {
		Value string `json:"value"`
	}
	if err := readBody(r, &in); err != nil || in.Value == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("expected {value}"))
		return
	}
	if err := s.opts.Creds.Set(name, in.Value); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"name": name, "present": true})
}

func (s *Server) handleCredDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.opts.Creds.Remove(name); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"name": name, "present": false})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	summaries, err := s.opts.Engine.Store().List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.opts.Engine.Store().Load(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleChatNew(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Role string `json:"role"`
	}
	_ = readBody(r, &in)
	if in.Role == "" {
		in.Role = "default"
	}
	sess := session.New(in.Role)
	if err := s.opts.Engine.Store().Save(sess); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": sess.ID, "role": sess.Role})
}

func (s *Server) handleChatContext(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SessionID string `json:"session_id"`
		Context   string `json:"context"`
	}
	if err := readBody(r, &in); err != nil || in.SessionID == "" || in.Context == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("expected {session_id, context}"))
		return
	}
	sess, err := s.opts.Engine.Store().Load(in.SessionID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if _, err := os.Stat(filepath.Join(s.opts.ContextsDir, in.Context+".md")); err != nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no context %q", in.Context))
		return
	}
	sess.AddContext(in.Context)
	if err := s.opts.Engine.Store().Save(sess); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": sess.ID, "contexts": sess.Contexts})
}

// handleChat streams one turn as server-sent events, one JSON payload per
// engine event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := readBody(r, &in); err != nil || in.SessionID == "" || in.Message == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("expected {session_id, message}"))
		return
	}
	sess, err := s.opts.Engine.Store().Load(in.SessionID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for ev := range s.opts.Engine.SendStream(r.Context(), sess, in.Message) {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

func (s *Server) handleHeartbeatRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Heartbeat.Tick(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHeartbeatAudit(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Audit.Entries())
}

func (s *Server) handleCosts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"today": s.opts.Ledger.BudgetCheck(),
		"days":  s.opts.Ledger.Days(),
	})
}

func (s *Server) handleCronsList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Crons.List())
}

func (s *Server) handleCronsAdd(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name     string `json:"name"`
		Schedule string `json:"schedule"`
		Prompt   string `json:"prompt"`
	}
	if err := readBody(r, &in); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.opts.Crons.Add(in.Name, in.Schedule, in.Prompt)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleCronsDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Crons.Remove(r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	var toolNames []string
	for _, t := range s.opts.Tools.All() {
		toolNames = append(toolNames, t.Name())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"roles":    s.opts.Registry.Roles(),
		"tools":    toolNames,
		"contexts": listMD(s.opts.ContextsDir),
		"skills":   listMD(s.opts.SkillsDir),
	})
}

func (s *Server) handleSkills(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, listMD(s.opts.SkillsDir))
}

func (s *Server) handleCustomTools(w http.ResponseWriter, _ *http.Request) {
	names := s.opts.Tools.CustomNames()
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, names)
}

func listMD(dir string) []string {
	names := []string{}
	if dir == "" {
		return names
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return names
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, strings.TrimSuffix(e.Name(), ".md"))
		}
	}
	sort.Strings(names)
	return names
}
