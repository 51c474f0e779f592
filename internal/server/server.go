package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/wahub-labs/wa-device-hub/internal/config"
	"github.com/wahub-labs/wa-device-hub/internal/events"
	"github.com/wahub-labs/wa-device-hub/internal/manager"
	"github.com/wahub-labs/wa-device-hub/internal/model"
	"github.com/wahub-labs/wa-device-hub/internal/service"
	"github.com/wahub-labs/wa-device-hub/internal/storage"
)

// Server wires HTTP and websocket handlers.
type Server struct {
	app       *fiber.App
	deviceSvc *service.DeviceService
	authSvc   *service.AuthService
	mgr       *manager.Manager
	bus       *events.Broadcaster
	logger    *slog.Logger
	cfg       *config.Config
}

// New builds a server instance.
func New(cfg *config.Config, deviceSvc *service.DeviceService, authSvc *service.AuthService, mgr *manager.Manager, bus *events.Broadcaster, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		IdleTimeout:  cfg.HTTP.ReadTimeout,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		AppName:      "wa-device-hub",
	})
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app:       app,
		deviceSvc: deviceSvc,
		authSvc:   authSvc,
		mgr:       mgr,
		bus:       bus,
		logger:    logger,
		cfg:       cfg,
	}
	s.registerRoutes()
	return s
}

// Start listens and serves HTTP traffic.
func (s *Server) Start() error {
	return s.app.Listen(s.cfg.HTTP.Addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber application for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.handleHealth)

	s.app.Post("/auth/login", s.handleLogin)
	s.app.Get("/auth/profile", s.handleProfile)

	api := s.app.Group("/api", s.requireAuth)
	api.Get("/devices", s.handleListDevices)
	api.Post("/devices", s.handleCreateDevice)
	api.Delete("/devices/:id", s.handleDeleteDevice)
	api.Get("/devices/:id/qrcode", s.handlePairingCode)
	api.Post("/send-message", s.handleSendMessage)
	api.Get("/messages", s.handleListMessages)

	s.registerWS()
	s.serveFrontend()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	views, err := s.deviceSvc.List(c.Context())
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"status": "degraded", "error": err.Error()})
	}
	connected := 0
	for _, v := range views {
		if v.IsConnected {
			connected++
		}
	}
	return c.JSON(fiber.Map{
		"status":    "ok",
		"devices":   len(views),
		"connected": connected,
	})
}

func (s *Server) handleListDevices(c *fiber.Ctx) error {
	views, err := s.deviceSvc.List(c.Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(views)
}

func (s *Server) handleCreateDevice(c *fiber.Ctx) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(model.Error("invalid request body"))
	}
	device, err := s.deviceSvc.Create(c.Context(), req.Name)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"success":  true,
		"deviceId": device.ID,
		"message":  "device added",
	})
}

func (s *Server) handleDeleteDevice(c *fiber.Ctx) error {
	if err := s.deviceSvc.Remove(c.Context(), c.Params("id")); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(model.Success("device removed"))
}

func (s *Server) handlePairingCode(c *fiber.Ctx) error {
	res, err := s.deviceSvc.PairingCode(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	switch {
	case res.AlreadyConnected:
		return c.JSON(fiber.Map{"success": true, "connected": true, "message": "device is already connected"})
	case res.QRCode != "":
		return c.JSON(fiber.Map{"success": true, "qrcode": res.QRCode})
	default:
		return c.Status(http.StatusAccepted).JSON(fiber.Map{"success": true, "retry": true, "message": res.Message})
	}
}

func (s *Server) handleSendMessage(c *fiber.Ctx) error {
	var req struct {
		DeviceID string `json:"deviceId"`
		Number   string `json:"number"`
		Message  string `json:"message"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(model.Error("invalid request body"))
	}
	id, err := s.deviceSvc.Send(c.Context(), req.DeviceID, req.Number, req.Message)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "messageId": id, "message": "message sent"})
}

func (s *Server) handleListMessages(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := s.deviceSvc.Messages(c.Context(), c.Query("deviceId"), limit)
	if err != nil {
		return s.fail(c, err)
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	return c.JSON(msgs)
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(model.Error("invalid request body"))
	}
	if !s.authSvc.Enabled() {
		return c.JSON(fiber.Map{"success": true, "enabled": false, "token": "", "username": "guest"})
	}
	token, err := s.authSvc.Authenticate(req.Username, req.Password)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error(err.Error()))
	}
	return c.JSON(fiber.Map{"success": true, "enabled": true, "token": token, "username": s.authSvc.Username()})
}

func (s *Server) handleProfile(c *fiber.Ctx) error {
	if !s.authSvc.Enabled() {
		return c.JSON(fiber.Map{"success": true, "enabled": false, "username": "guest"})
	}
	token := extractBearerToken(c.Get("Authorization"))
	if token == "" {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("not logged in"))
	}
	claims, err := s.authSvc.Validate(token)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("session expired"))
	}
	return c.JSON(fiber.Map{"success": true, "enabled": true, "username": claims.Username})
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c.Status(http.StatusNotFound).JSON(model.Error("device not found"))
	case errors.Is(err, service.ErrValidation), errors.Is(err, manager.ErrNotConnected):
		return c.Status(http.StatusBadRequest).JSON(model.Error(err.Error()))
	case errors.Is(err, manager.ErrSendFailed):
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	default:
		s.logger.Error("request failed", "path", c.Path(), "error", err)
		return c.Status(http.StatusInternalServerError).JSON(model.Error("internal error"))
	}
}

func (s *Server) requireAuth(c *fiber.Ctx) error {
	if !s.authSvc.Enabled() {
		return c.Next()
	}
	token := extractBearerToken(c.Get("Authorization"))
	if token == "" {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("not logged in"))
	}
	claims, err := s.authSvc.Validate(token)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("session expired"))
	}
	c.Locals("username", claims.Username)
	return c.Next()
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s *Server) serveFrontend() {
	dir := strings.TrimSpace(s.cfg.Frontend.Dir)
	if dir == "" {
		return
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return
	}
	s.app.Static("/", dir, fiber.Static{
		Index:    "index.html",
		Compress: true,
	})
}
