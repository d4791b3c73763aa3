// Package server is the HTTP surface of labelsync: the GitHub webhook
// receiver and a small admin API over the task queue.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"code.cloudfoundry.org/clock"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"labelsync/pkg/github"
	"labelsync/pkg/installations"
	"labelsync/pkg/queue"
)

// maxBodyBytes bounds webhook and task payloads
const maxBodyBytes = 5 << 20

// TaskQueue is the part of queue.Queue the server uses
type TaskQueue interface {
	Push(ctx context.Context, task queue.Task) (string, error)
	List(ctx context.Context) ([]queue.Task, error)
}

// Server routes webhooks and admin requests
type Server struct {
	router        *mux.Router
	queue         TaskQueue
	installations installations.Store
	source        github.ConfigSource
	secret        []byte
	adminToken    string
	logger        *zap.Logger
	clock         clock.Clock
}

// Option configures a Server
type Option func(*Server)

// WithConfigSource sets where organization configurations live
func WithConfigSource(source github.ConfigSource) Option {
	return func(s *Server) { s.source = source }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAdminToken enables the /tasks admin API for requests carrying token
// as a bearer credential. Without it the admin API refuses every request.
func WithAdminToken(token string) Option {
	return func(s *Server) { s.adminToken = token }
}

// WithClock sets the time source used for plan checks
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clock = clk }
}

// New creates a server. Webhook payloads are verified against secret.
func New(q TaskQueue, store installations.Store, secret []byte, opts ...Option) *Server {
	s := &Server{
		router:        mux.NewRouter(),
		queue:         q,
		installations: store,
		source:        github.DefaultConfigSource(),
		secret:        secret,
		logger:        zap.NewNop(),
		clock:         clock.NewClock(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.HandleFunc("/github/hooks", s.handleWebhook).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	admin := mux.MiddlewareFunc(s.requireAdmin)
	s.router.Handle("/tasks", admin(http.HandlerFunc(s.handleSubmitTask))).Methods(http.MethodPost)
	s.router.Handle("/tasks", admin(http.HandlerFunc(s.handleListTasks))).Methods(http.MethodGet)

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type submitResponse struct {
	ID string `json:"id"`
}

type webhookResponse struct {
	Tasks []string `json:"tasks"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// requireAdmin checks the bearer token of admin requests
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin API disabled"})
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.logger.Warn("Rejected admin request", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
			w.Header().Set("WWW-Authenticate", `Bearer realm="labelsync"`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var task queue.Task
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&task); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid task: " + err.Error()})
		return
	}

	// The plan comes from the installation store, never from the caller
	paid, err := s.isPaid(r.Context(), task.InstallationID)
	if err != nil {
		s.logger.Error("Failed to look up installation", zap.Int64("installation", task.InstallationID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "installation store unavailable"})
		return
	}
	task.IsPaidPlan = paid

	id, err := s.queue.Push(r.Context(), task)
	if err != nil {
		s.writePushError(w, err)
		return
	}

	s.logger.Info("Task submitted",
		zap.String("id", id),
		zap.String("kind", string(task.Kind())),
		zap.Int64("installation", task.InstallationID))
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.queue.List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list tasks", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "queue unavailable"})
		return
	}
	if tasks == nil {
		tasks = []queue.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writePushError(w http.ResponseWriter, err error) {
	if queue.IsConnectionError(err) {
		s.logger.Error("Failed to push task", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "queue unavailable"})
		return
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

// isPaid looks the installation up. Unknown installations are on the free plan.
func (s *Server) isPaid(ctx context.Context, id int64) (bool, error) {
	if s.installations == nil {
		return false, nil
	}
	inst, err := s.installations.Get(ctx, id)
	if err != nil {
		if errors.Is(err, installations.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return inst.IsPaid(s.clock.Now()), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
