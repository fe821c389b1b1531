package http_handler

import (
	"context"
	"strconv"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/config"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

const (
	headerPrincipal  = "X-Principal-Id"
	headerPartDigest = "X-Part-Digest"
	localsPrincipal  = "principal"

	// bodySlack covers JSON envelopes around the largest part.
	bodySlack = 1 << 20
)

type Server struct {
	app     *fiber.App
	cfg     *config.Config
	service port.IngestionService
}

func NewServer(cfg *config.Config, service port.IngestionService) *Server {
	app := fiber.New(fiber.Config{
		BodyLimit:             int(cfg.App.MaxPartSize) + bodySlack,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} ${locals:requestid} ${status} - ${latency} ${method} ${path}\n",
	}))

	s := &Server{
		app:     app,
		cfg:     cfg,
		service: service,
	}

	// Routes
	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.handleHealth)

	v1 := s.app.Group("/v1", requirePrincipal)
	v1.Post("/sessions", s.handleOpen)
	v1.Put("/sessions/:id/parts/:index", s.handleUploadPart)
	v1.Post("/sessions/:id/finalize", s.handleFinalize)
	v1.Get("/sessions/:id", s.handleStatus)
	v1.Delete("/sessions/:id", s.handleAbort)
	v1.Post("/sessions/:id/revalidate", s.handleRevalidate)

	v1.Get("/admin/tasks", s.handleListTasks)
	v1.Post("/admin/tasks/:id/retry", s.handleRetryTask)
}

// App exposes the fiber app for in-process tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Start() error {
	return s.app.Listen(s.cfg.Server.Addr)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func requirePrincipal(c *fiber.Ctx) error {
	principal := c.Get(headerPrincipal)
	if principal == "" {
		return sendError(c, fiber.StatusUnauthorized, codeUnauthorized, "missing "+headerPrincipal+" header")
	}
	c.Locals(localsPrincipal, principal)
	return c.Next()
}

func principalOf(c *fiber.Ctx) string {
	p, _ := c.Locals(localsPrincipal).(string)
	return p
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	report := s.service.CheckHealth(c.UserContext())
	status := fiber.StatusOK
	if report.Status == "unhealthy" {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(report)
}

func (s *Server) handleOpen(c *fiber.Ctx) error {
	var req domain.OpenSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return sendError(c, fiber.StatusUnprocessableEntity, codeValidation, "invalid request body: "+err.Error())
	}

	res, err := s.service.OpenSession(c.UserContext(), principalOf(c), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (s *Server) handleUploadPart(c *fiber.Ctx) error {
	index, err := strconv.Atoi(c.Params("index"))
	if err != nil {
		return sendError(c, fiber.StatusUnprocessableEntity, codeValidation, "part index must be an integer")
	}
	digest := c.Get(headerPartDigest)
	if digest == "" {
		return sendError(c, fiber.StatusUnprocessableEntity, codeValidation, "missing "+headerPartDigest+" header")
	}

	res, err := s.service.UploadPart(c.UserContext(), principalOf(c), domain.UploadPartRequest{
		SessionID: c.Params("id"),
		Index:     index,
		Data:      c.Body(),
		Digest:    digest,
	})
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (s *Server) handleFinalize(c *fiber.Ctx) error {
	res, err := s.service.FinalizeSession(c.UserContext(), principalOf(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(res)
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	view, err := s.service.GetStatus(c.UserContext(), principalOf(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(view)
}

func (s *Server) handleAbort(c *fiber.Ctx) error {
	res, err := s.service.AbortSession(c.UserContext(), principalOf(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

type revalidateRequest struct {
	Mode domain.ValidationMode `json:"mode"`
}

func (s *Server) handleRevalidate(c *fiber.Ctx) error {
	var req revalidateRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return sendError(c, fiber.StatusUnprocessableEntity, codeValidation, "invalid request body: "+err.Error())
		}
	}

	taskID, err := s.service.Revalidate(c.UserContext(), principalOf(c), c.Params("id"), req.Mode)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"session_id": c.Params("id"),
		"task_id":    taskID,
	})
}

func (s *Server) handleListTasks(c *fiber.Ctx) error {
	filter := domain.TaskFilter{
		SessionID: c.Query("session_id"),
		Kind:      domain.TaskKind(c.Query("kind")),
		Status:    domain.TaskStatus(c.Query("status")),
		Limit:     c.QueryInt("limit"),
	}
	tasks, err := s.service.ListTasks(c.UserContext(), filter)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	return c.JSON(fiber.Map{"tasks": tasks})
}

func (s *Server) handleRetryTask(c *fiber.Ctx) error {
	task, err := s.service.RetryTask(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(task)
}
