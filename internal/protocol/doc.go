// Package protocol owns the command/event envelope contract.
//
// Ownership boundary:
// - command and event payload models keyed by their wire tag
// - command/event envelopes with token lineage and routing slips
// - kernel info descriptors and merge rules
// - JSON wire models shared by every transport
//
// Routing slip rules live in protocol/routing. Transport framing lives in
// protocol/frame and protocol/session.
package protocol
