// Package errors normalizes error values into short class names for metric tags and notifications.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"
)

// Classify returns a normalized error class. Context cancellation and deadlines map to
// "canceled" and "timeout"; everything else is named after the innermost concrete type.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case goerrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}

	for {
		next := goerrors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	name := strings.ReplaceAll(strings.ToLower(t.String()), ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
