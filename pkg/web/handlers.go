package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/driply/driply/pkg/models"
	"github.com/driply/driply/pkg/persistence"
	"github.com/driply/driply/pkg/scheduler"
)

// StatusProvider reports the scheduler workload snapshot.
type StatusProvider interface {
	Status(ctx context.Context) (*scheduler.Status, error)
}

type APIHandlers struct {
	persistence persistence.Persistence
	runs        persistence.RunRepository
	events      persistence.EventRepository
	status      StatusProvider
	validator   *validator.Validate
}

func NewAPIHandlers(
	persist persistence.Persistence,
	status StatusProvider,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		persistence: persist,
		runs:        persist.RunRepository(),
		events:      persist.EventRepository(),
		status:      status,
		validator:   validate,
	}
}

// TrackEvent ingests one subject activity event into the append-only log.
// Only activity types are accepted; engine bookkeeping types are rejected.
func (h *APIHandlers) TrackEvent(c fiber.Ctx) error {
	var req TrackEventRequest

	err := c.Bind().JSON(&req)
	if err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	err = h.validator.Struct(req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	eventType := models.SubjectEventType(req.Type)
	if !models.TrackableEventType(eventType) {
		return badRequest(c, "Event type "+req.Type+" cannot be tracked")
	}

	timestamp := time.Now().UTC()
	if req.Timestamp != nil {
		timestamp = req.Timestamp.UTC()
	}

	event := models.NewEvent(req.SubjectID, req.CampaignID, eventType, req.Data, timestamp)

	err = h.events.Append(c.Context(), event)
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(event)
}

// GetRun returns one run's state.
func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.runs.RunByID(c.Context(), id)
	if err != nil {
		if persistence.IsRunNotFound(err) {
			return notFound(c, "Run not found")
		}

		return internalError(c, err)
	}

	return c.JSON(run)
}

// SchedulerStatus returns queue depths and poll bookkeeping.
func (h *APIHandlers) SchedulerStatus(c fiber.Ctx) error {
	status, err := h.status.Status(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(status)
}

// HealthCheck verifies the storage backend is reachable.
func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	err := h.persistence.HealthCheck(c.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	detail := ""

	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
		detail = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"detail":    detail,
		"timestamp": time.Now().UTC(),
	})
}

// NewApp builds the fiber application with all routes registered.
func NewApp(handlers *APIHandlers) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Driply API")
	})

	app.Post("/events/track", handlers.TrackEvent)
	app.Get("/runs/:id", handlers.GetRun)
	app.Get("/scheduler/status", handlers.SchedulerStatus)
	app.Get("/health", handlers.HealthCheck)

	return app
}
