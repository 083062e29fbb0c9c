package zof

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Options are handler constraints: option key to expected value. Values compare against
// event fields as uppercased strings. A nil datapath_id on a message handler scopes it to
// datapath-less events.
type Options map[string]any

// Subtype decides whether a message type or event name is in scope for a handler.
type Subtype interface {
	MatchSubtype(name string) bool
}

// SubtypeName matches a type or event name case-insensitively.
type SubtypeName string

// MatchSubtype compares uppercased forms.
func (s SubtypeName) MatchSubtype(name string) bool {
	return strings.ToUpper(name) == strings.ToUpper(string(s))
}

// SubtypeFunc is a predicate over the event's type or name string.
type SubtypeFunc func(name string) bool

// MatchSubtype calls the predicate.
func (f SubtypeFunc) MatchSubtype(name string) bool {
	return f(name)
}

// Handler is one registered (predicate, callback) pair owned by an Application.
type Handler interface {
	// Type returns the bucket this handler is registered under.
	Type() HandlerType
	// Match decides whether event should be delivered to the callback.
	Match(event Event) bool
	// Bind resolves the callback against the application's bind instance.
	Bind(instance any) error
	// Call runs the bound callback inline, or schedules it when asynchronous.
	Call(ctx context.Context, event Event, app *Application) error
}

// NewHandler constructs the concrete handler for handlerType. It does not register it.
func NewHandler(callback any, handlerType HandlerType, subtype Subtype, options Options) (Handler, error) {
	desc, err := DescribeCallback(callback)
	if err != nil {
		return nil, fmt.Errorf("new %s handler: %w", handlerType, err)
	}

	if fn, ok := subtype.(SubtypeFunc); ok && fn == nil {
		return nil, fmt.Errorf("new %s handler: nil subtype predicate: %w", handlerType, ErrInvalidSubtype)
	}

	base := handlerBase{
		desc:    desc,
		subtype: normalizeSubtype(subtype),
	}

	switch handlerType {
	case HandlerMessage:
		handler := &MessageHandler{handlerBase: base}
		for _, key := range sortedKeys(options) {
			value := options[key]
			if key == FieldDatapathID && value == nil {
				handler.datapathless = true
				continue
			}
			handler.constraints = append(handler.constraints, constraint{key: key, want: canonical(value)})
		}
		return handler, nil
	case HandlerEvent:
		handler := &EventHandler{handlerBase: base}
		for _, key := range sortedKeys(options) {
			handler.constraints = append(handler.constraints, constraint{key: key, want: canonical(options[key])})
		}
		return handler, nil
	default:
		return nil, fmt.Errorf("new handler %q: %w", handlerType, ErrUnknownHandlerType)
	}
}

type constraint struct {
	key  string
	want string
}

type handlerBase struct {
	desc     CallbackDescriptor
	subtype  Subtype
	callback CallbackFunc
}

// Bind resolves the callback once; later dispatches reuse the bound func.
func (h *handlerBase) Bind(instance any) error {
	callback, err := h.desc.Bind(instance)
	if err != nil {
		return err
	}
	h.callback = callback

	return nil
}

// Call extracts the connection context and runs or schedules the callback.
func (h *handlerBase) Call(ctx context.Context, event Event, app *Application) error {
	if h.callback == nil {
		return ErrHandlerNotBound
	}

	datapathID, _ := event.DatapathID()
	connID, _ := event.ConnID()
	info := DispatchInfo{DatapathID: datapathID, ConnID: connID}

	callback := h.callback
	if h.desc.IsAsync() {
		app.EnsureFuture(ctx, func(taskCtx context.Context) error {
			return callback(taskCtx, event)
		}, info)
		return nil
	}

	return callback(WithDispatch(ctx, app, info), event)
}

// MessageHandler matches protocol messages by type, datapath presence, and msg/pkt fields.
type MessageHandler struct {
	handlerBase
	datapathless bool
	constraints  []constraint
}

// Type returns HandlerMessage.
func (h *MessageHandler) Type() HandlerType {
	return HandlerMessage
}

// Datapathless reports whether the handler only accepts events without datapath_id.
func (h *MessageHandler) Datapathless() bool {
	return h.datapathless
}

// Match applies subtype, datapath gating, then every option constraint.
func (h *MessageHandler) Match(event Event) bool {
	if !h.subtype.MatchSubtype(event.Type()) {
		return false
	}

	_, hasDatapath := event.DatapathID()
	if hasDatapath == h.datapathless {
		return false
	}

	msg := event.Msg()
	for _, c := range h.constraints {
		if c.key == FieldDatapathID {
			if canonical(event[FieldDatapathID]) != c.want {
				return false
			}
			continue
		}
		value, ok := msg[c.key]
		if !ok {
			pkt, _ := asMap(msg[FieldPkt])
			value, ok = pkt[c.key]
		}
		if !ok || canonical(value) != c.want {
			return false
		}
	}

	return true
}

// EventHandler matches internal events by name and top-level fields.
type EventHandler struct {
	handlerBase
	constraints []constraint
}

// Type returns HandlerEvent.
func (h *EventHandler) Type() HandlerType {
	return HandlerEvent
}

// Match applies the subtype then every option against top-level event fields.
func (h *EventHandler) Match(event Event) bool {
	if !h.subtype.MatchSubtype(event.Name()) {
		return false
	}

	for _, c := range h.constraints {
		value, ok := event[c.key]
		if !ok || canonical(value) != c.want {
			return false
		}
	}

	return true
}

func normalizeSubtype(subtype Subtype) Subtype {
	if subtype == nil {
		return SubtypeName("")
	}
	if name, ok := subtype.(SubtypeName); ok {
		return SubtypeName(strings.ToUpper(string(name)))
	}

	return subtype
}

// sortedKeys gives constraint evaluation a deterministic order.
func sortedKeys(options Options) []string {
	return slices.Sorted(maps.Keys(options))
}
