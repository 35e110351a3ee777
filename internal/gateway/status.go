package gateway

// Status is the canonical, provider-independent payment state. Every adapter
// maps its provider's raw status vocabulary onto this set; raw values the
// mapping tables do not know normalize to StatusPending so a provider adding
// a new status can never crash the orchestrator.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Terminal reports whether the status admits no further transition other
// than completed -> refunded.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}
