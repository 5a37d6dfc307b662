package handlers

import (
	"errors"
	"net/http"

	apperrors "github.com/NomadCrew/order-push-backend/errors"
	"github.com/NomadCrew/order-push-backend/services"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// OrderHandler receives order lifecycle hooks from the ordering backend when
// Kafka ingestion is not used.
type OrderHandler struct {
	notifier OrderEventHandler
	logger   *zap.Logger
}

func NewOrderHandler(notifier OrderEventHandler, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		notifier: notifier,
		logger:   logger.Named("OrderHandler"),
	}
}

// HandleOrderEvent queues the notifications for one order event.
// POST /v1/orders/events
func (h *OrderHandler) HandleOrderEvent(c *gin.Context) {
	var event types.OrderEvent
	if !bindJSONOrError(c, &event) {
		return
	}

	if err := h.notifier.Handle(c.Request.Context(), event); err != nil {
		h.logger.Warn("Order event not handled",
			zap.String("orderID", event.OrderID),
			zap.String("event", event.Event),
			zap.Error(err))
		if errors.Is(err, services.ErrQueueFull) {
			_ = c.Error(apperrors.QueueFull("Dispatch queue is full, try again later"))
			return
		}
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}
