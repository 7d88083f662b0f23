// Package permission brokers tool permission requests between a Claude
// CLI helper and the embedding client.
//
// The protocol is filesystem based: the helper drops
// <id>.request.json into a shared directory and polls for a matching
// <id>.response.json. The Broker watches the directory, auto-answers
// requests covered by persisted always-allow rules or bypass mode, and
// surfaces everything else to the client through a channel. Unanswered
// requests are denied after a timeout so the helper never hangs.
//
// Responses are published atomically (temp file + rename) so the helper
// can never observe a half-written response.
package permission
