package zof

import "errors"

var (
	// ErrUnknownHandlerType indicates a handler category other than message or event.
	ErrUnknownHandlerType = errors.New("zof: unknown handler type")
	// ErrInvalidCallback indicates a callback whose signature cannot be dispatched.
	ErrInvalidCallback = errors.New("zof: invalid callback")
	// ErrInvalidSubtype indicates a handler subtype that cannot be matched.
	ErrInvalidSubtype = errors.New("zof: invalid subtype")
	// ErrRegistrationAfterInit indicates handler or application registration outside INIT.
	ErrRegistrationAfterInit = errors.New("zof: registration after init")
	// ErrApplicationAlreadyRegistered indicates duplicate application registration.
	ErrApplicationAlreadyRegistered = errors.New("zof: application already registered")
	// ErrAlreadyBound indicates a second PrepareBind call on one application.
	ErrAlreadyBound = errors.New("zof: application already bound")
	// ErrHandlerNotBound indicates dispatch to a handler whose callback was never bound.
	ErrHandlerNotBound = errors.New("zof: handler not bound")
	// ErrInvalidEvent indicates an event carrying neither a message type nor an event name.
	ErrInvalidEvent = errors.New("zof: invalid event")
	// ErrEventDropped indicates a non-blocking backpressure drop.
	ErrEventDropped = errors.New("zof: event dropped due to backpressure")
	// ErrServiceAlreadyRegistered indicates duplicate service registration.
	ErrServiceAlreadyRegistered = errors.New("zof: service already registered")
	// ErrServiceNotFound indicates a service lookup miss.
	ErrServiceNotFound = errors.New("zof: service not found")
	// ErrSourceAlreadyRegistered indicates duplicate source registration.
	ErrSourceAlreadyRegistered = errors.New("zof: source already registered")
	// ErrControllerStopped indicates a post or schedule after controller shutdown.
	ErrControllerStopped = errors.New("zof: controller stopped")
)

// Control signals are returned (or panicked) by handler callbacks to steer the controller.
// Applications never contain them; they always reach the controller unchanged.
var (
	// ErrStopPropagation stops delivery of the current event to lower-precedence applications.
	ErrStopPropagation = errors.New("zof: stop propagation")
	// ErrPreflightUnload asks the controller to unload the application during PREFLIGHT.
	ErrPreflightUnload = errors.New("zof: preflight unload")
)

// IsControlSignal reports whether err carries ErrStopPropagation or ErrPreflightUnload.
func IsControlSignal(err error) bool {
	return errors.Is(err, ErrStopPropagation) || errors.Is(err, ErrPreflightUnload)
}
