// Package store provides SQLite-backed durable storage for entities.
//
// The store keeps two tables in one database file:
//   - entities: live rows keyed by id, each with a version column
//   - entity_versions: append-only change log keyed by a store-wide seq
//
// # Critical Patterns
//
// Optimistic concurrency:
//   - Update is conditional: UPDATE ... WHERE id = ? AND version = ?
//   - Zero rows affected is NOT_FOUND or VERSION_CONFLICT, never a silent overwrite
//
// Atomic logging:
//   - Every mutation writes its row change and its VersionRecord in one transaction
//   - Delete records the pre-delete snapshot before removing the row
//
// Logical ordering:
//   - ChangesSince orders by seq, never by timestamp
//   - List orders by updated_at DESC, id ASC COLLATE BINARY
//
// # Database Configuration
//
//   - WAL mode: readers never block the writer
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds, then BUSY
//   - _txlock=immediate: write transactions take the lock at BEGIN
//
// Driver errors are translated to entity.Error codes at this boundary.
// Committed mutations are published to an optional Publisher after commit.
package store
