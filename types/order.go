package types

// OrderStatus mirrors the order lifecycle of the ordering backend.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderEvent is the payload the ordering side publishes when an order is
// created or changes status.
type OrderEvent struct {
	Event        string      `json:"event" binding:"required,oneof=created status_changed"`
	OrderID      string      `json:"orderId" binding:"required"`
	CustomerID   string      `json:"customerId" binding:"required"`
	CustomerName string      `json:"customerName"`
	Status       OrderStatus `json:"status" binding:"required"`
	Total        string      `json:"total,omitempty"`
}

const (
	OrderEventCreated       = "created"
	OrderEventStatusChanged = "status_changed"
)
