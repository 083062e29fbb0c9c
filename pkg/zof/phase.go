package zof

import "fmt"

// Phase is the controller lifecycle phase.
type Phase string

const (
	// PhaseInit accepts application and handler registration.
	PhaseInit Phase = "INIT"
	// PhasePreflight runs after binding; applications may unload themselves.
	PhasePreflight Phase = "PREFLIGHT"
	// PhaseStart is the steady dispatching phase.
	PhaseStart Phase = "START"
	// PhaseStop is entered during shutdown.
	PhaseStop Phase = "STOP"
)

// HandlerType selects the handler bucket an event is dispatched to.
type HandlerType string

const (
	// HandlerMessage handles protocol messages keyed by "type".
	HandlerMessage HandlerType = "message"
	// HandlerEvent handles internal events keyed by "event".
	HandlerEvent HandlerType = "event"
)

// ParseHandlerType validates a handler category name.
func ParseHandlerType(raw string) (HandlerType, error) {
	switch HandlerType(raw) {
	case HandlerMessage, HandlerEvent:
		return HandlerType(raw), nil
	default:
		return "", fmt.Errorf("parse handler type %q: %w", raw, ErrUnknownHandlerType)
	}
}
