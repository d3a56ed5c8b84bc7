// Package mfmlog wires github.com/joeycumines/logiface to the
// github.com/joeycumines/stumpy zero-allocation JSON backend, and is the
// single logger type threaded through tile, cacheproc, eventwindow, and
// grid constructors (see DESIGN NOTES: "model as an explicitly constructed
// world value injected into tiles", generalized here to logging).
package mfmlog

import (
	"io"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type passed around the core. It is a thin
// rename of the instantiated generic so call sites don't repeat the
// stumpy.Event type parameter everywhere.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a Logger writing newline-delimited JSON to w. A nil w defaults
// to os.Stderr (stumpy's own default).
func New(w io.Writer) *Logger {
	var opts []stumpy.Option
	if w != nil {
		opts = append(opts, stumpy.WithWriter(w))
	}
	return stumpy.L.New(stumpy.L.WithStumpy(opts...))
}

// Discard is the package-level no-op default: a Logger at the level that
// discards everything, for callers (mostly tests) that don't care to wire
// up a real sink.
var Discard = stumpy.L.New(
	stumpy.L.WithStumpy(),
	stumpy.L.WithLevel(logiface.LevelDisabled),
)
