/*
Copyright © 2024 The Tessera Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package delta carries the windowed text-delta model the update editor
// consumes. How windows are computed from two texts is somebody else's
// problem; this package defines the window shape, a streaming applier,
// and the trivial full-text window used when no smarter sender exists.
package delta

import (
	"errors"
	"fmt"
	"io"
)

var ErrCorruptWindow = errors.New("corrupt delta window")

// OpKind selects the data source of one window instruction.
type OpKind int

const (
	// OpSource copies bytes from the source view of the window.
	OpSource OpKind = iota
	// OpNew copies bytes from the window's NewData.
	OpNew
	// OpTarget copies bytes already produced for this window,
	// permitting runs that overlap their own output.
	OpTarget
)

// Op is a single copy instruction.
type Op struct {
	Kind   OpKind
	Offset int
	Len    int
}

// Window describes how to produce the next TargetLen bytes of output
// from a source range and fresh data.
type Window struct {
	SourceOffset int64
	SourceLen    int
	TargetLen    int
	Ops          []Op
	NewData      []byte
}

// WindowHandler consumes a stream of windows. A nil window signals
// end-of-stream; no further calls may follow it.
type WindowHandler func(*Window) error

// Apply returns a WindowHandler that reads SOURCE and writes the
// patched text to TARGET. SOURCE may be nil when there is no base text.
// The caller owns closing both streams.
func Apply(source io.Reader, target io.Writer) WindowHandler {
	var (
		srcBuf  []byte
		srcRead bool
		srcErr  error
	)

	readSource := func() ([]byte, error) {
		if !srcRead {
			srcRead = true
			if source != nil {
				srcBuf, srcErr = io.ReadAll(source)
			}
		}
		return srcBuf, srcErr
	}

	return func(window *Window) error {
		if window == nil {
			return nil
		}

		src, err := readSource()
		if err != nil {
			return err
		}

		var view []byte
		if window.SourceLen > 0 {
			end := window.SourceOffset + int64(window.SourceLen)
			if window.SourceOffset < 0 || end > int64(len(src)) {
				return fmt.Errorf("%w: source range [%d,%d) outside source of %d bytes",
					ErrCorruptWindow, window.SourceOffset, end, len(src))
			}
			view = src[window.SourceOffset:end]
		}

		out := make([]byte, 0, window.TargetLen)
		for _, op := range window.Ops {
			if op.Len < 0 || op.Offset < 0 {
				return fmt.Errorf("%w: negative op bounds", ErrCorruptWindow)
			}
			switch op.Kind {
			case OpSource:
				if op.Offset+op.Len > len(view) {
					return fmt.Errorf("%w: source op outside window view", ErrCorruptWindow)
				}
				out = append(out, view[op.Offset:op.Offset+op.Len]...)
			case OpNew:
				if op.Offset+op.Len > len(window.NewData) {
					return fmt.Errorf("%w: new-data op outside buffer", ErrCorruptWindow)
				}
				out = append(out, window.NewData[op.Offset:op.Offset+op.Len]...)
			case OpTarget:
				// Byte-at-a-time: the run may overlap its own output.
				for i := 0; i < op.Len; i++ {
					if op.Offset+i >= len(out) {
						return fmt.Errorf("%w: target op outside output", ErrCorruptWindow)
					}
					out = append(out, out[op.Offset+i])
				}
			default:
				return fmt.Errorf("%w: unknown op kind %d", ErrCorruptWindow, op.Kind)
			}
		}

		if window.TargetLen != 0 && len(out) != window.TargetLen {
			return fmt.Errorf("%w: produced %d bytes, window declares %d",
				ErrCorruptWindow, len(out), window.TargetLen)
		}

		_, err = target.Write(out)
		return err
	}
}

// FullText returns the single window replacing the whole target with
// DATA. It is the delta a sender falls back to when it cannot, or need
// not, compute anything smarter.
func FullText(data []byte) []*Window {
	return []*Window{{
		TargetLen: len(data),
		Ops:       []Op{{Kind: OpNew, Len: len(data)}},
		NewData:   data,
	}}
}

// Send feeds WINDOWS to HANDLER followed by the end-of-stream call.
func Send(windows []*Window, handler WindowHandler) error {
	for _, window := range windows {
		if err := handler(window); err != nil {
			return err
		}
	}
	return handler(nil)
}
