package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notifyhub/internal/notification"
	logx "notifyhub/pkg/logx"
)

type OrderStatus string

const (
	OrderPlaced         OrderStatus = "PLACED"
	OrderConfirmed      OrderStatus = "CONFIRMED"
	OrderPreparing      OrderStatus = "PREPARING"
	OrderReadyForPickup OrderStatus = "READY_FOR_PICKUP"
	OrderPickedUp       OrderStatus = "PICKED_UP"
	OrderOutForDelivery OrderStatus = "OUT_FOR_DELIVERY"
	OrderDelivered      OrderStatus = "DELIVERED"
	OrderCancelled      OrderStatus = "CANCELLED"
)

// OrderEvent is one status transition owned by the order subsystem.
type OrderEvent struct {
	OrderID           string      `json:"order_id"`
	CustomerID        string      `json:"customer_id"`
	DeliveryPartnerID string      `json:"delivery_partner_id,omitempty"`
	RestaurantName    string      `json:"restaurant_name,omitempty"`
	Status            OrderStatus `json:"status"`
	OccurredAt        time.Time   `json:"occurred_at,omitempty"`
}

type orderCopy struct {
	customerTitle string
	customerBody  string
	// partnerTitle is set for handoff transitions that also notify the
	// assigned delivery partner.
	partnerTitle string
	partnerBody  string
}

var orderMessages = map[OrderStatus]orderCopy{
	OrderPlaced: {
		customerTitle: "Order Placed",
		customerBody:  "We've sent your order %s to the restaurant.",
	},
	OrderConfirmed: {
		customerTitle: "Order Confirmed",
		customerBody:  "Your order %s is confirmed and will be prepared shortly.",
	},
	OrderPreparing: {
		customerTitle: "Preparing Your Food",
		customerBody:  "The kitchen has started on order %s.",
	},
	OrderReadyForPickup: {
		customerTitle: "Ready for Pickup",
		customerBody:  "Order %s is packed and waiting for your rider.",
		partnerTitle:  "Pickup Ready",
		partnerBody:   "Order %s is ready for pickup at the restaurant.",
	},
	OrderPickedUp: {
		customerTitle: "Order Picked Up",
		customerBody:  "Your rider has collected order %s.",
		partnerTitle:  "Pickup Confirmed",
		partnerBody:   "You picked up order %s. Head to the customer.",
	},
	OrderOutForDelivery: {
		customerTitle: "Out for Delivery",
		customerBody:  "Order %s is on its way to you.",
	},
	OrderDelivered: {
		customerTitle: "Order Delivered",
		customerBody:  "Order %s has been delivered. Enjoy your meal!",
		partnerTitle:  "Delivery Completed",
		partnerBody:   "Order %s is marked as delivered.",
	},
	OrderCancelled: {
		customerTitle: "Order Cancelled",
		customerBody:  "Order %s was cancelled.",
	},
}

// ParseOrderStatus accepts any case and "-" or " " separators.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToUpper(strings.TrimSpace(s))))
	_, ok := orderMessages[st]
	return st, ok
}

// OrderStatusChanged enqueues notifications due immediately for the customer
// and, on pickup and delivery handoffs, the assigned delivery partner.
// Records are keyed by order, status and recipient, so a redelivered event
// (or a retry after a partial failure) never enqueues a second copy.
func (s *Service) OrderStatusChanged(ctx context.Context, ev OrderEvent) ([]*notification.Record, error) {
	status, ok := ParseOrderStatus(string(ev.Status))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOrderStatus, ev.Status)
	}
	if strings.TrimSpace(ev.CustomerID) == "" {
		return nil, ErrMissingUser
	}
	msgs := orderMessages[status]
	now := s.now()
	data := map[string]string{
		"type":    "order_status",
		"orderId": ev.OrderID,
		"status":  string(status),
		"url":     "/orders/" + ev.OrderID,
	}

	out := make([]*notification.Record, 0, 2)
	rec, err := s.enq.Enqueue(ctx, notification.Spec{
		Kind:         notification.KindOrderStatus,
		Title:        msgs.customerTitle,
		Body:         fmt.Sprintf(msgs.customerBody, ev.OrderID),
		Data:         data,
		Recipients:   []string{ev.CustomerID},
		ScheduledFor: now,
		DedupKey:     orderDedupKey(ev.OrderID, status, ev.CustomerID),
	})
	if err != nil {
		return nil, fmt.Errorf("order notification: %w", err)
	}
	out = append(out, rec)

	partner := strings.TrimSpace(ev.DeliveryPartnerID)
	if msgs.partnerTitle != "" && partner != "" {
		pdata := make(map[string]string, len(data))
		for k, v := range data {
			pdata[k] = v
		}
		pdata["url"] = "/deliveries/" + ev.OrderID
		rec, err := s.enq.Enqueue(ctx, notification.Spec{
			Kind:         notification.KindOrderStatus,
			Title:        msgs.partnerTitle,
			Body:         fmt.Sprintf(msgs.partnerBody, ev.OrderID),
			Data:         pdata,
			Recipients:   []string{partner},
			ScheduledFor: now,
			DedupKey:     orderDedupKey(ev.OrderID, status, partner),
		})
		if err != nil {
			return out, fmt.Errorf("partner notification: %w", err)
		}
		out = append(out, rec)
	}

	s.log.Debug("order status notifications enqueued",
		logx.String("order", ev.OrderID),
		logx.String("status", string(status)),
		logx.Int("records", len(out)),
	)
	return out, nil
}

// orderDedupKey is empty without an order id; such events cannot be told
// apart and are enqueued every time.
func orderDedupKey(orderID string, status OrderStatus, recipient string) string {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return ""
	}
	return "order:" + orderID + ":" + string(status) + ":" + strings.TrimSpace(recipient)
}
