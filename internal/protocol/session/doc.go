// Package session owns kernel-host peer transport helpers.
//
// Ownership boundary:
// - hello/hello.ack control messages exchanged before framing starts
// - retry/backoff and timeout defaults
// - TLS policy validation and tls.Config builders
// - the pending-command outbox used by proxies awaiting remote replies
package session
