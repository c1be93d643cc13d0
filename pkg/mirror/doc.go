// Copyright 2024-2026 Aiku AI

// Package mirror implements the synchronization engine that keeps copies of
// a source channel's messages consistent across a set of target channels.
//
// # Core Types
//
// [Engine] applies create, edit and delete events to every target feed and
// records the resulting (source, target) pairs in a [MappingStore].
//
// [Backfiller] walks the source feed's history and brings messages that
// predate live relay under management, retrying whole passes with backoff
// until the platform lets it read the feed.
//
// [Dispatcher] feeds platform events into the engine. Events for the same
// source message are applied in arrival order; events for different
// messages run concurrently.
//
// # Coordination
//
// The engine and the backfiller share the store and a striped per-message
// lock. The store's per-record atomicity plus the "skip if already mapped"
// check is the only coordination between the two writers, so a backfill
// pass can overlap live relay without producing duplicate copies.
package mirror
