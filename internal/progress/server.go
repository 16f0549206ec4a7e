// Package progress serves the state and log of operations over HTTP so a
// caller holding an access key can follow a running backup or restore.
package progress

import (
	"context"
	"strconv"
	"sync"
	"time"

	"sitevault/internal/logging"
	"sitevault/internal/operation"

	"github.com/gofiber/fiber/v2"
)

// Response is the body of GET /progress/:accesskey
type Response struct {
	*operation.Operation
	Logs []operation.LogEntry `json:"logs"`
}

// Server exposes operation progress
type Server struct {
	app    *fiber.App
	repo   operation.Repository
	logger *logging.Logger
	wg     sync.WaitGroup
}

// NewServer creates a progress server reading from repo
func NewServer(repo operation.Repository, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ReadTimeout:           10 * time.Second,
			WriteTimeout:          10 * time.Second,
		}),
		repo:   repo,
		logger: logger,
	}
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/progress/:accesskey", s.handleProgress)
	return s
}

// App returns the fiber application, mainly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens on addr in the background
func (s *Server) Start(addr string) {
	s.logger.WithField("address", addr).Info("Starting progress server")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.app.Listen(addr); err != nil {
			s.logger.WithField("error", err.Error()).Error("Progress server error")
		}
	}()
}

// Shutdown stops accepting requests and waits for the listener to return
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleProgress returns the operation and its log. ?since=<unix ms> limits the
// log to newer entries.
func (s *Server) handleProgress(c *fiber.Ctx) error {
	key := c.Params("accesskey")
	op, ok, err := s.repo.GetByAccessKey(c.UserContext(), key)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to load operation")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load operation"})
	}
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown operation"})
	}

	var since time.Time
	if v := c.Query("since"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "since must be a unix time in milliseconds"})
		}
		since = time.UnixMilli(ms)
	}

	logs, err := s.repo.Logs(c.UserContext(), op.ID)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to load operation log")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load operation log"})
	}
	filtered := make([]operation.LogEntry, 0, len(logs))
	for _, e := range logs {
		if e.Time.After(since) {
			filtered = append(filtered, e)
		}
	}

	return c.JSON(Response{Operation: op, Logs: filtered})
}
