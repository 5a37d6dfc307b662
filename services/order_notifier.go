package services

import (
	"context"
	"fmt"

	"github.com/NomadCrew/order-push-backend/internal/store"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/NomadCrew/order-push-backend/types"
	"go.uber.org/zap"
)

// ChannelDispatcher queues a notification through the routed channels.
type ChannelDispatcher interface {
	DispatchChannels(ctx context.Context, r Recipients, tmpl types.NotificationTemplate) error
}

// OrderNotifier turns order events into notifications.
type OrderNotifier struct {
	users      store.UserStore
	dispatcher ChannelDispatcher
	log        *zap.Logger
}

func NewOrderNotifier(users store.UserStore, dispatcher ChannelDispatcher) *OrderNotifier {
	return &OrderNotifier{
		users:      users,
		dispatcher: dispatcher,
		log:        logger.Named("order-notifier"),
	}
}

// Handle routes an order event to the matching notification.
func (n *OrderNotifier) Handle(ctx context.Context, event types.OrderEvent) error {
	switch event.Event {
	case types.OrderEventCreated:
		return n.NotifyNewOrder(ctx, event)
	case types.OrderEventStatusChanged:
		return n.NotifyStatusChange(ctx, event)
	default:
		return fmt.Errorf("unknown order event %q", event.Event)
	}
}

// NotifyNewOrder tells every admin about a new order.
func (n *OrderNotifier) NotifyNewOrder(ctx context.Context, event types.OrderEvent) error {
	admins, err := n.users.ListAdminIDs(ctx)
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}
	if len(admins) == 0 {
		n.log.Warn("No admins to notify about new order", zap.String("orderID", event.OrderID))
		return nil
	}

	body := fmt.Sprintf("Order #%s", event.OrderID)
	if event.CustomerName != "" {
		body = fmt.Sprintf("Order #%s from %s", event.OrderID, event.CustomerName)
	}
	if event.Total != "" {
		body = fmt.Sprintf("%s, total %s", body, event.Total)
	}

	return n.dispatcher.DispatchChannels(ctx, Users(admins...), types.NotificationTemplate{
		Type:  types.NotificationTypeNewOrder,
		Title: "New order",
		Body:  body,
		Data: map[string]interface{}{
			"id":     event.OrderID,
			"status": string(event.Status),
			"type":   string(types.NotificationTypeNewOrder),
		},
	})
}

// NotifyStatusChange tells the customer their order moved to a new status.
func (n *OrderNotifier) NotifyStatusChange(ctx context.Context, event types.OrderEvent) error {
	return n.dispatcher.DispatchChannels(ctx, SingleUser(event.CustomerID), types.NotificationTemplate{
		Type:  types.NotificationTypeOrderStatusUpdate,
		Title: fmt.Sprintf("Order #%s", event.OrderID),
		Body:  StatusMessage(event.Status),
		Data: map[string]interface{}{
			"id":     event.OrderID,
			"status": string(event.Status),
			"type":   string(types.NotificationTypeOrderStatusUpdate),
		},
	})
}

// StatusMessage is the customer-facing text for an order status.
func StatusMessage(status types.OrderStatus) string {
	switch status {
	case types.OrderStatusPending:
		return "We received your order."
	case types.OrderStatusConfirmed:
		return "Your order has been confirmed."
	case types.OrderStatusPreparing:
		return "Your order is being prepared."
	case types.OrderStatusReady:
		return "Your order is ready."
	case types.OrderStatusDelivered:
		return "Your order has been delivered. Enjoy your meal!"
	case types.OrderStatusCancelled:
		return "Your order has been cancelled."
	default:
		return fmt.Sprintf("Your order status changed to %s.", status)
	}
}
