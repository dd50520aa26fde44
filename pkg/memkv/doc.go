// Package memkv is a small thread-safe in-memory key/value store with
// per-key TTL, an optional key cap and cheap atomic metrics.
//
// Properties:
//   - sharded map guarded by RW mutexes (default 16 shards)
//   - TTL with lazy expiry on read plus a background sweeper
//   - MaxKeys bound: inserting past the cap evicts the entry that would
//     expire soonest, so memory stays fixed under floods
//   - SetNX for atomic check-and-insert (used by the broadcast seen-set)
//   - values are copied on the way in and out unless NoCopy is set
package memkv
