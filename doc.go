// Package eventway implements an event sourcing and CQRS runtime. Aggregates
// are rebuilt by replaying an ordered event log on top of periodic
// snapshots, and query models are derived by projections that reconcile
// push delivery with offset-based catch-up.
//
// Typical usage looks like:
//   - Register event payload types with a Registry
//   - Define an aggregate that embeds *Aggregate and registers its command
//     handlers and event appliers with OnCommand, OnAsk, and OnEvent
//   - Open a Store over an EventRepository and SnapshotRepository (see the
//     memory, redisstore, sqlitestore, and pgstore packages)
//   - Run commands through an Executor, which retries on version conflicts
//   - Publish saved events to a Hub and build query models with Projections
//
// The examples/ directory contains a runnable user registration service
// that exercises the API in a small domain.
package eventway
