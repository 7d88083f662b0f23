// Package claude supervises Claude CLI processes and decodes their
// stream-json output.
//
// # Overview
//
// The package has two halves. ProcessManager owns the child process
// lifecycle: spawning with the right flags and environment, writing
// user messages to stdin, reading stdout line by line, and stopping
// the process with a graceful-then-forceful shutdown. Decoder turns
// the raw stdout byte stream into an ordered sequence of Events.
//
// # Process Lifecycle
//
//	pm := claude.NewProcessManager(cfg, callbacks, log)
//	if err := pm.Start(); err != nil {
//	    var spawnErr *claude.SpawnError
//	    if errors.As(err, &spawnErr) {
//	        // spawnErr.Kind says what went wrong, spawnErr.Hint how to fix it
//	    }
//	}
//	pm.WriteLine(msgJSON)
//	pm.Stop(2 * time.Second)
//
// The first turn of a conversation starts the CLI without --resume;
// once the init event delivers a session id, later turns pass it via
// ResumeSessionID so the CLI reloads the conversation.
//
// # Stream Decoding
//
// The CLI emits newline-delimited JSON on stdout. Decoder.Feed accepts
// arbitrary byte chunks, reassembles complete lines across chunk
// boundaries, and invokes OnEvent for each decoded line in arrival
// order. Splitting the same byte stream differently never changes the
// resulting event sequence. A malformed line is reported through
// OnDecodeError and skipped; it never stops the stream.
//
// # Windows Bridge
//
// When the CLI lives inside a WSL distribution, ProcessConfig.WSL
// routes the invocation through wsl.exe and workspace paths are
// translated between Windows and WSL forms with ToWSLPath/FromWSLPath.
package claude
