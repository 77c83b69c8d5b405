package api

import (
	"context"
	"errors"
	"net/http"

	"sendflow/internal/dto/req"
	"sendflow/internal/dto/resp"
	"sendflow/internal/model"
	"sendflow/internal/repository"
	"sendflow/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Scheduler interface {
	Schedule(ctx context.Context, r req.ScheduleRequest) (*resp.ScheduleResponse, error)
	GetJob(ctx context.Context, id string) (*resp.JobDetail, error)
	ListScheduled(ctx context.Context, senderID string) ([]model.EmailJob, error)
	Inbox(ctx context.Context, address string) ([]resp.JobDetail, error)
}

type ScheduleHandler struct {
	service Scheduler
	jobs    repository.JobInterface
	rdb     *redis.Client
}

func NewScheduleHandler(svc Scheduler, jobs repository.JobInterface, rdb *redis.Client) *ScheduleHandler {
	return &ScheduleHandler{
		service: svc,
		jobs:    jobs,
		rdb:     rdb,
	}
}

// fieldErrors flattens a gin binding failure into one entry per field.
func fieldErrors(err error) []resp.FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []resp.FieldError{{Field: "body", Message: err.Error()}}
	}
	out := make([]resp.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		msg := "failed on rule '" + fe.Tag() + "'"
		out = append(out, resp.FieldError{Field: fe.Field(), Message: msg})
	}
	return out
}

func (h *ScheduleHandler) Schedule(c *gin.Context) {
	var r req.ScheduleRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, resp.ValidationErrorResponse{
			Error:   "Validation Error",
			Details: fieldErrors(err),
		})
		return
	}

	result, err := h.service.Schedule(c.Request.Context(), r)
	if err != nil {
		if errors.Is(err, service.ErrUnknownSender) {
			c.JSON(http.StatusBadRequest, resp.ValidationErrorResponse{
				Error:   "Validation Error",
				Details: []resp.FieldError{{Field: "sender_id", Message: "unknown sender"}},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *ScheduleHandler) ListScheduled(c *gin.Context) {
	sender := service.GetSenderInfo(c.Request.Context())
	if sender == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	jobs, err := h.service.ListScheduled(c.Request.Context(), sender.SenderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *ScheduleHandler) Inbox(c *gin.Context) {
	sender := service.GetSenderInfo(c.Request.Context())
	if sender == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	address := c.DefaultQuery("email", sender.Email)
	items, err := h.service.Inbox(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *ScheduleHandler) GetJob(c *gin.Context) {
	id := c.Param("id")

	detail, err := h.service.GetJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "email not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *ScheduleHandler) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.jobs.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "mysql": err.Error()})
		return
	}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "redis": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
