// Package goid extracts the current goroutine's runtime id.
//
// database/sql already pools driver connections internally, which is
// the idiomatic Go answer to "give every caller its own handle." This
// package exists only because pkg/metadb.Pool preserves the
// spec's observable per-caller identity contract (the same caller
// gets the same handle back, distinct callers get distinct handles).
// There is no cgo-free, portable way to ask the Go runtime "which OS
// thread am I on", and goroutines migrate between OS threads anyway,
// so the closest stable identity available from pure Go is the
// runtime's internal goroutine id, parsed out of a runtime.Stack
// trace. No third-party goroutine-id package appears anywhere in the
// retrieved corpus, so this is grounded on the standard library only;
// see DESIGN.md for the full justification.
package goid

import (
	"bytes"
	"runtime"
	"strconv"
)

// ID identifies a goroutine for the lifetime of that goroutine.
type ID uint64

// Current returns the id of the calling goroutine.
func Current() ID {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]

	// The first line of a runtime.Stack trace looks like:
	//   goroutine 18 [running]:
	const prefix = "goroutine "
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		panic("goid: unexpected runtime.Stack format")
	}
	buf = buf[len(prefix):]

	end := bytes.IndexByte(buf, ' ')
	if end < 0 {
		panic("goid: unexpected runtime.Stack format")
	}

	id, err := strconv.ParseUint(string(buf[:end]), 10, 64)
	if err != nil {
		panic("goid: unexpected runtime.Stack format: " + err.Error())
	}
	return ID(id)
}
