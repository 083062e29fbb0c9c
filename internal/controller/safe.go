package controller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"zof/pkg/zof"
)

// runSafely calls fn at a goroutine or lifecycle boundary. Errors are tagged with scope;
// a panic becomes a *zof.PanicError carrying the recovery stack.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s: %w", scope, &zof.PanicError{Value: recovered, Stack: debug.Stack()})
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
