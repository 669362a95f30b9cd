// Package httpapi exposes the scheduler and the submission validator over
// HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-crowdlock/v1/config"
	"github.com/mirkobrombin/go-crowdlock/v1/scheduler"
	"github.com/mirkobrombin/go-crowdlock/v1/submission"
)

// UserHeader carries the id of the authenticated worker.
const UserHeader = "X-User-ID"

// Server is the HTTP boundary.
type Server struct {
	app       *fiber.App
	cfg       config.ServerConfig
	sched     *scheduler.Scheduler
	validator *submission.Validator
	logger    *zap.Logger
	gatherer  prometheus.Gatherer
	health    func(context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the access and error logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGatherer serves the metrics of g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthCheck sets the probe run by /healthz.
func WithHealthCheck(fn func(context.Context) error) Option {
	return func(s *Server) { s.health = fn }
}

// New builds the fiber application.
func New(cfg config.ServerConfig, sched *scheduler.Scheduler, validator *submission.Validator, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		sched:     sched,
		validator: validator,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "crowdlock",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          errorHandler,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		DisableStartupMessage: true,
	})
	s.app.Use(fiberrecover.New(fiberrecover.Config{EnableStackTrace: true}))
	s.app.Use(requestid.New())
	s.app.Use(s.accessLog)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.healthz)
	if s.cfg.EnableMetrics && s.gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	api := s.app.Group("/api", requireUser)
	api.Get("/projects/:project/newtask", s.newTask)
	api.Post("/projects/:project/tasks/:task/cancel", s.cancelTask)
	api.Post("/taskrun", s.taskRun)
	api.Post("/logout", s.logout)
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listen(s.cfg.Address) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return s.app.ShutdownWithTimeout(timeout)
}

func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		status, _ = statusOf(err)
	}
	fields := []zap.Field{
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Duration("latency", time.Since(start)),
		zap.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)),
	}
	if status >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("request", fields...)
	}
	return err
}

func requireUser(c *fiber.Ctx) error {
	user := c.Get(UserHeader)
	if user == "" {
		return fail(c, fiber.StatusUnauthorized, "missing "+UserHeader)
	}
	c.Locals("user", user)
	return c.Next()
}

func userOf(c *fiber.Ctx) string {
	user, _ := c.Locals("user").(string)
	return user
}

func (s *Server) healthz(c *fiber.Ctx) error {
	if s.health != nil {
		if err := s.health(c.UserContext()); err != nil {
			return fail(c, fiber.StatusServiceUnavailable, "unhealthy")
		}
	}
	return success(c, fiber.Map{"status": "ok"})
}

type newTaskResponse struct {
	Outcome     scheduler.Outcome `json:"outcome"`
	Task        any               `json:"task,omitempty"`
	PresentedAt *time.Time        `json:"presented_at,omitempty"`
}

func (s *Server) newTask(c *fiber.Ctx) error {
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "offset must be an integer")
		}
		offset = n
	}
	opts := scheduler.Options{Randomize: c.QueryBool("randomize", false)}
	offer, err := s.sched.NextTask(c.UserContext(), c.Params("project"), userOf(c), offset, opts)
	if err != nil {
		return err
	}
	resp := newTaskResponse{Outcome: offer.Outcome}
	if offer.Task != nil {
		resp.Task = offer.Task
		at := offer.PresentedAt
		resp.PresentedAt = &at
	}
	return success(c, resp)
}

func (s *Server) cancelTask(c *fiber.Ctx) error {
	if err := s.sched.Cancel(c.UserContext(), c.Params("project"), c.Params("task"), userOf(c)); err != nil {
		return err
	}
	return success(c, nil)
}

type taskRunRequest struct {
	ProjectID string          `json:"project_id"`
	TaskID    string          `json:"task_id"`
	Info      json.RawMessage `json:"info"`
}

type taskRunResponse struct {
	TaskRun   any  `json:"task_run"`
	Completed bool `json:"completed"`
}

func (s *Server) taskRun(c *fiber.Ctx) error {
	var req taskRunRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if req.ProjectID == "" || req.TaskID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "project_id and task_id are required")
	}
	res, err := s.validator.Accept(c.UserContext(), submission.Submission{
		ProjectID: req.ProjectID,
		TaskID:    req.TaskID,
		UserID:    userOf(c),
		Payload:   req.Info,
	})
	if err != nil {
		return err
	}
	if !res.Accepted {
		status := fiber.StatusForbidden
		switch res.Reason {
		case submission.ReasonInvalidTask:
			status = fiber.StatusBadRequest
		case submission.ReasonTaskCompleted:
			status = fiber.StatusConflict
		}
		return fail(c, status, string(res.Reason))
	}
	return success(c, taskRunResponse{TaskRun: res.TaskRun, Completed: res.Completed})
}

func (s *Server) logout(c *fiber.Ctx) error {
	released, err := s.sched.Release(c.UserContext(), userOf(c))
	if err != nil {
		return err
	}
	if released == nil {
		released = []string{}
	}
	return success(c, fiber.Map{"released": released})
}
