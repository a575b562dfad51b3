package domain

type EndReason string

const (
	EndExpired       EndReason = "expired"
	EndDisconnected  EndReason = "disconnected"
	EndUserRequested EndReason = "user_requested"
	EndFailed        EndReason = "failed"
)

type CallEventKind string

const (
	CallEventTick           CallEventKind = "tick"
	CallEventLowTime        CallEventKind = "low_time"
	CallEventLowTimeCleared CallEventKind = "low_time_cleared"
	CallEventEnded          CallEventKind = "ended"
)

type CallEvent struct {
	Kind      CallEventKind
	Remaining int
	Reason    EndReason
}
