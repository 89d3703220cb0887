// Package cluster provides the wire vocabulary of the transcode cluster:
// peer identity, the Score tuple used for election tie-breaking and shard
// placement, and the request/response shapes for the three RPC surfaces
// every peer exposes (Node, Master, Worker — spec.md §6).
//
// # Overview
//
// Every peer runs the same binary and the same three surfaces. Which ones
// actually serve traffic depends on the peer's current role, which lives
// in internal/election and internal/announce, not here — this package only
// defines what goes over the wire between peers, plus the two transport
// helpers (PostJSON, GetJSON) every other package in this module uses to
// speak it.
//
// # Wire format
//
// The spec treats the RPC transport and its byte-level serialization as an
// external, implementation-defined concern. This module speaks JSON over
// plain HTTP/1.1 with context-scoped deadlines, which keeps every request
// a single readable struct and lets net/http's connection pooling stand in
// for the "reusable channel" spec.md §4.2 describes.
package cluster
