// Package transport defines the link interfaces the mesh core runs over and
// a Manager that turns established sessions into numbered connections.
//
// Key concepts:
// - Transport: dials/listens for Sessions of a specific Kind (TCP/UDP/QUIC/etc.)
// - Session: one bidirectional point-to-point link carrying whole frames
// - Manager: assigns ConnIDs, runs one reader and one writer per session,
//   reports frames and link events to a Sink and implements fire-and-forget
//   Forward/BroadcastExcept for the router
package transport
