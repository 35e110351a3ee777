package payment

import (
	"encoding/json"
	"time"

	"payflow-be/internal/gateway"
)

// Payment is the persisted aggregate this layer owns. Orders reference it;
// nothing else mutates it. Status only moves through applyTransition.
type Payment struct {
	ID               string
	OrderID          string
	Provider         string
	GatewayPaymentID string
	AmountMinor      int64
	Currency         string
	Status           gateway.Status
	FailureReason    string
	CompletedAt      *time.Time
	FailedAt         *time.Time
	RawGatewayData   json.RawMessage
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// canTransition is the allowed state table: pending/processing may settle,
// only completed may move to refunded, every other terminal state is final.
func canTransition(from, to gateway.Status) bool {
	if from == to {
		return false
	}
	switch from {
	case gateway.StatusPending:
		switch to {
		case gateway.StatusProcessing, gateway.StatusCompleted, gateway.StatusFailed, gateway.StatusCancelled:
			return true
		}
	case gateway.StatusProcessing:
		switch to {
		case gateway.StatusCompleted, gateway.StatusFailed, gateway.StatusCancelled:
			return true
		}
	case gateway.StatusCompleted:
		return to == gateway.StatusRefunded
	}
	return false
}
