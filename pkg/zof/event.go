package zof

import (
	"fmt"
	"strings"
)

// Well-known event fields.
const (
	FieldType       = "type"
	FieldEvent      = "event"
	FieldDatapathID = "datapath_id"
	FieldConnID     = "conn_id"
	FieldMsg        = "msg"
	FieldPkt        = "pkt"
)

// Internal lifecycle event names synthesized by the controller.
const (
	EventPreflight = "PREFLIGHT"
	EventStart     = "START"
	EventStop      = "STOP"
)

// Event is an already-parsed structured record produced by a transport or the controller.
//
// Message events carry "type" (for example "REQUEST.PORT_STATS"), optionally "datapath_id",
// "conn_id" and a "msg" mapping which may nest a "pkt" mapping. Internal events carry
// "event" (for example "CHANNEL_UP"). Events are treated as immutable while dispatched.
type Event map[string]any

// Type returns the message type, or "" when absent.
func (e Event) Type() string {
	return e.str(FieldType)
}

// Name returns the internal event name, or "" when absent.
func (e Event) Name() string {
	return e.str(FieldEvent)
}

// DatapathID returns the datapath identifier and whether the field is present.
func (e Event) DatapathID() (any, bool) {
	value, ok := e[FieldDatapathID]
	return value, ok
}

// ConnID returns the connection identifier and whether the field is present.
func (e Event) ConnID() (any, bool) {
	value, ok := e[FieldConnID]
	return value, ok
}

// Msg returns the nested protocol message fields, or nil when absent.
func (e Event) Msg() map[string]any {
	msg, _ := asMap(e[FieldMsg])
	return msg
}

// Pkt returns the packet header fields nested under msg, or nil when absent.
func (e Event) Pkt() map[string]any {
	pkt, _ := asMap(e.Msg()[FieldPkt])
	return pkt
}

// HandlerType derives the handler category that should receive this event.
func (e Event) HandlerType() (HandlerType, error) {
	if e.Type() != "" {
		return HandlerMessage, nil
	}
	if e.Name() != "" {
		return HandlerEvent, nil
	}

	return "", fmt.Errorf("event has neither %s nor %s: %w", FieldType, FieldEvent, ErrInvalidEvent)
}

// Validate checks the minimal envelope invariants.
func (e Event) Validate() error {
	if e == nil {
		return fmt.Errorf("nil event: %w", ErrInvalidEvent)
	}
	if _, err := e.HandlerType(); err != nil {
		return err
	}

	return nil
}

func (e Event) str(key string) string {
	value, _ := e[key].(string)
	return value
}

// NewInternalEvent builds a datapath-less internal event.
func NewInternalEvent(name string) Event {
	return Event{FieldEvent: name}
}

// asMap accepts both Event and plain decoded maps.
func asMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case Event:
		return typed, true
	case map[string]any:
		return typed, true
	default:
		return nil, false
	}
}

// canonical renders a field or option value for case-insensitive comparison.
func canonical(value any) string {
	switch typed := value.(type) {
	case nil:
		return "NONE"
	case string:
		return strings.ToUpper(typed)
	case bool:
		if typed {
			return "TRUE"
		}
		return "FALSE"
	default:
		return strings.ToUpper(fmt.Sprint(typed))
	}
}
