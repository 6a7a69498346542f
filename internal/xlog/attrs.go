// Package xlog provides the small set of structured-logging attribute
// constructors pkg/hostpool needs, trimmed from the teacher's
// pkg/observability/xlog down to what this module actually emits.
package xlog

import (
	"log/slog"
	"time"
)

// Standard attribute keys, kept consistent across every log line the
// coordinator emits.
const (
	KeyError     = "error"
	KeyHost      = "host"
	KeySlot      = "slot"
	KeyPrid      = "prid"
	KeyDuration  = "duration"
	KeyComponent = "component"
	KeyOperation = "operation"
	KeyPlatform  = "platform"
)

// Err creates an error attribute. A nil error produces an empty attribute,
// which slog silently drops.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Host creates a hostname attribute.
func Host(hostname string) slog.Attr {
	return slog.String(KeyHost, hostname)
}

// Slot creates a slot-id attribute.
func Slot(id int) slog.Attr {
	return slog.Int(KeySlot, id)
}

// Prid creates a pipeline-run-id attribute.
func Prid(prid string) slog.Attr {
	return slog.String(KeyPrid, prid)
}

// Duration creates a duration attribute.
func Duration(d time.Duration) slog.Attr {
	return slog.String(KeyDuration, d.String())
}

// Component creates a component-name attribute.
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// Operation creates an operation-name attribute.
func Operation(name string) slog.Attr {
	return slog.String(KeyOperation, name)
}

// Platform creates a platform-tag attribute.
func Platform(p string) slog.Attr {
	return slog.String(KeyPlatform, p)
}
