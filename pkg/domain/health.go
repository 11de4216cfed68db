package domain

import "time"

// HealthState is the coarse health of a source or pipeline stage.
type HealthState uint8

const (
	HealthHealthy HealthState = iota
	HealthDegraded
	HealthUnhealthy
	HealthStopped
)

func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// HealthStatus describes the health of one component.
type HealthStatus struct {
	State   HealthState
	Message string
	Err     error
}

// NewHealthyStatus returns a healthy status with a message.
func NewHealthyStatus(message string) *HealthStatus {
	return &HealthStatus{State: HealthHealthy, Message: message}
}

// NewDegradedStatus returns a degraded status with a message.
func NewDegradedStatus(message string) *HealthStatus {
	return &HealthStatus{State: HealthDegraded, Message: message}
}

// NewUnhealthyStatus returns an unhealthy status carrying the last error.
func NewUnhealthyStatus(message string, err error) *HealthStatus {
	return &HealthStatus{State: HealthUnhealthy, Message: message, Err: err}
}

// SourceStats is a point-in-time snapshot of one source adapter.
type SourceStats struct {
	EventsProduced int64
	EventsDropped  int64
	Malformed      int64
	ErrorCount     int64
	Resubscribes   int64
	LastEventTime  time.Time
	Uptime         time.Duration
}
