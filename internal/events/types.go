package events

// Event enumerates lifecycle topics.
type Event string

const (
	EventSignalReceived    Event = "signal.received"
	EventPositionOpened    Event = "position.opened"
	EventPositionTargetHit Event = "position.target_hit"
	EventPositionBreakeven Event = "position.breakeven"
	EventPositionClosed    Event = "position.closed"
	EventRiskAlert         Event = "risk.alert"
	EventAuthChallenge     Event = "auth.challenge"
)

// All lists every topic.
var All = []Event{
	EventSignalReceived,
	EventPositionOpened,
	EventPositionTargetHit,
	EventPositionBreakeven,
	EventPositionClosed,
	EventRiskAlert,
	EventAuthChallenge,
}
