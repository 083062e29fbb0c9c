package zof

import (
	"context"
	"fmt"
	"reflect"
)

// CallbackFunc is the normalized, bound form of every handler callback.
type CallbackFunc func(ctx context.Context, event Event) error

// asyncCallback marks a callback that must be scheduled instead of run inline.
type asyncCallback struct {
	fn any
}

// Async marks callback as asynchronous: matching events schedule it through the owning
// controller instead of running it on the dispatch loop.
func Async(callback any) any {
	return asyncCallback{fn: callback}
}

var (
	contextType = reflect.TypeFor[context.Context]()
	eventType   = reflect.TypeFor[Event]()
	errorType   = reflect.TypeFor[error]()
)

// CallbackDescriptor is the one-time introspection result for a handler callback.
type CallbackDescriptor struct {
	fn           reflect.Value
	direct       CallbackFunc
	arity        int
	async        bool
	receiverType reflect.Type
	returnsError bool
}

// DescribeCallback inspects callback once at registration time.
//
// Accepted shapes, optionally wrapped with Async:
//
//	func(context.Context, Event) [error]        arity 1
//	func(*T, context.Context, Event) [error]    arity 2, receiver supplied by Bind
func DescribeCallback(callback any) (CallbackDescriptor, error) {
	desc := CallbackDescriptor{}
	if wrapped, ok := callback.(asyncCallback); ok {
		desc.async = true
		callback = wrapped.fn
	}
	if callback == nil {
		return CallbackDescriptor{}, fmt.Errorf("describe callback: nil: %w", ErrInvalidCallback)
	}

	switch typed := callback.(type) {
	case CallbackFunc:
		if typed == nil {
			return CallbackDescriptor{}, fmt.Errorf("describe callback: nil func: %w", ErrInvalidCallback)
		}
		desc.direct = typed
		desc.arity = 1
		return desc, nil
	case func(context.Context, Event) error:
		if typed == nil {
			return CallbackDescriptor{}, fmt.Errorf("describe callback: nil func: %w", ErrInvalidCallback)
		}
		desc.direct = typed
		desc.arity = 1
		return desc, nil
	}

	value := reflect.ValueOf(callback)
	fnType := value.Type()
	if fnType.Kind() != reflect.Func {
		return CallbackDescriptor{}, fmt.Errorf("describe callback: %s is not a func: %w", fnType, ErrInvalidCallback)
	}
	if value.IsNil() {
		return CallbackDescriptor{}, fmt.Errorf("describe callback: nil func: %w", ErrInvalidCallback)
	}
	if fnType.IsVariadic() {
		return CallbackDescriptor{}, fmt.Errorf("describe callback: %s is variadic: %w", fnType, ErrInvalidCallback)
	}

	switch fnType.NumIn() {
	case 2:
		desc.arity = 1
	case 3:
		desc.arity = 2
		desc.receiverType = fnType.In(0)
	default:
		return CallbackDescriptor{}, fmt.Errorf(
			"describe callback: %s takes %d parameters, want (ctx, event) with optional receiver: %w",
			fnType, fnType.NumIn(), ErrInvalidCallback,
		)
	}

	offset := desc.arity - 1
	if fnType.In(offset) != contextType {
		return CallbackDescriptor{}, fmt.Errorf("describe callback: %s: parameter %d must be context.Context: %w", fnType, offset, ErrInvalidCallback)
	}
	if !eventType.AssignableTo(fnType.In(offset + 1)) {
		return CallbackDescriptor{}, fmt.Errorf("describe callback: %s: parameter %d must accept zof.Event: %w", fnType, offset+1, ErrInvalidCallback)
	}

	switch fnType.NumOut() {
	case 0:
	case 1:
		if fnType.Out(0) != errorType {
			return CallbackDescriptor{}, fmt.Errorf("describe callback: %s: result must be error: %w", fnType, ErrInvalidCallback)
		}
		desc.returnsError = true
	default:
		return CallbackDescriptor{}, fmt.Errorf("describe callback: %s returns %d values: %w", fnType, fnType.NumOut(), ErrInvalidCallback)
	}

	desc.fn = value

	return desc, nil
}

// Arity returns the parameter count excluding the context: 1 for plain callbacks, 2 when a
// receiver is required.
func (d CallbackDescriptor) Arity() int {
	return d.arity
}

// IsAsync reports whether the callback was wrapped with Async.
func (d CallbackDescriptor) IsAsync() bool {
	return d.async
}

// Bind returns an invokable callback. Receiver-less callbacks ignore instance; callbacks
// with arity 2 require a non-nil instance assignable to their receiver type.
func (d CallbackDescriptor) Bind(instance any) (CallbackFunc, error) {
	if d.direct != nil {
		return d.direct, nil
	}
	if !d.fn.IsValid() {
		return nil, fmt.Errorf("bind callback: undescribed callback: %w", ErrInvalidCallback)
	}

	if d.arity == 1 {
		return d.invoker(nil), nil
	}

	if instance == nil {
		return nil, fmt.Errorf("bind callback: receiver %s required but no bind instance: %w", d.receiverType, ErrInvalidCallback)
	}
	receiver := reflect.ValueOf(instance)
	if !receiver.Type().AssignableTo(d.receiverType) {
		return nil, fmt.Errorf(
			"bind callback: instance %s not assignable to receiver %s: %w",
			receiver.Type(), d.receiverType, ErrInvalidCallback,
		)
	}

	return d.invoker([]reflect.Value{receiver}), nil
}

func (d CallbackDescriptor) invoker(prefix []reflect.Value) CallbackFunc {
	fn := d.fn
	returnsError := d.returnsError

	return func(ctx context.Context, event Event) error {
		args := make([]reflect.Value, 0, len(prefix)+2)
		args = append(args, prefix...)
		args = append(args, reflect.ValueOf(&ctx).Elem(), reflect.ValueOf(event))
		results := fn.Call(args)
		if !returnsError || results[0].IsNil() {
			return nil
		}

		return results[0].Interface().(error)
	}
}
