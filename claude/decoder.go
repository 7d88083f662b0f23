package claude

import (
	"bytes"
	"log/slog"
	"sync"
)

// DecoderCallbacks defines how decoded output is delivered.
//
// Callbacks are invoked synchronously from whatever goroutine calls Feed,
// in strict arrival order. Implementations should return quickly and must
// not call back into the Decoder.
type DecoderCallbacks struct {
	// OnEvent is called once per decoded event.
	OnEvent func(ev Event)

	// OnDecodeError is called when a complete line fails to parse.
	// The line is skipped; decoding continues with the next line.
	OnDecodeError func(line string, err error)
}

// Decoder reassembles the CLI's newline-delimited JSON output from
// arbitrary byte chunks. A chunk may contain any number of complete
// lines plus a trailing fragment; the fragment is retained until the
// next Feed completes it. How the byte stream is split across Feed
// calls never affects the decoded event sequence.
type Decoder struct {
	mu        sync.Mutex
	fragment  []byte
	callbacks DecoderCallbacks
	log       *slog.Logger
}

// NewDecoder creates a Decoder delivering output through callbacks.
func NewDecoder(callbacks DecoderCallbacks, log *slog.Logger) *Decoder {
	return &Decoder{
		callbacks: callbacks,
		log:       log,
	}
}

// Feed consumes a chunk of raw stdout bytes. Complete lines are decoded
// and dispatched before Feed returns; an incomplete trailing line is
// buffered for the next call.
func (d *Decoder) Feed(chunk []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fragment = append(d.fragment, chunk...)

	for {
		idx := bytes.IndexByte(d.fragment, '\n')
		if idx < 0 {
			return
		}
		line := string(d.fragment[:idx])
		d.fragment = d.fragment[idx+1:]
		d.processLine(line)
	}
}

// Reset discards any buffered partial line. Called on cancellation so a
// truncated line from the interrupted process cannot corrupt the first
// line of the next turn.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.fragment) > 0 {
		d.log.Debug("discarding buffered fragment", "len", len(d.fragment))
	}
	d.fragment = nil
}

// processLine decodes one complete line and dispatches its events.
// Caller holds d.mu.
func (d *Decoder) processLine(line string) {
	events, err := parseLine(line, d.log)
	if err != nil {
		d.log.Warn("skipping undecodable line", "error", err)
		if d.callbacks.OnDecodeError != nil {
			d.callbacks.OnDecodeError(line, err)
		}
		return
	}

	for _, ev := range events {
		if d.callbacks.OnEvent != nil {
			d.callbacks.OnEvent(ev)
		}
	}
}
