// Package session coordinates a single workspace conversation: the CLI
// process, the stream decoder, per-turn checkpoints, permission brokering,
// and conversation persistence.
//
// A Supervisor owns one workspace and moves through three states:
//
//	Idle → Running → (Idle | Stopping → Idle)
//
// Send submits a turn (Idle→Running). The turn closes back to Idle when the
// CLI emits its result event, when the process dies mid-turn, or when the
// caller Cancels (Running→Stopping→Idle once exit is confirmed). Every
// submitted turn ends in exactly one terminal event: turn_completed,
// turn_completed with a cancelled outcome, or turn_error.
//
// Consumers receive everything on a single ordered channel from Events().
// The channel is buffered; consumers must drain it promptly or internal
// goroutines will stall.
package session
