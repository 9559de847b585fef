package store

// Package store provides the persistence layer for the session pool,
// the activity queue and the rate-limiter budget windows.
//
// Drivers:
//   - file: snapshot + journal files, no external service
//   - sqlite: single database file (build tag "sqlite")
//   - redis: shared instance, windows expire via TTL
//
// Every write is a full-record upsert; readers get last-write-wins state.
