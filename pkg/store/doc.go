// Package store persists conversations, their membership, and their
// message events. It is the collaborator the broker calls to assign
// event ids and timestamps; everything above it treats ids as opaque.
//
// Three backends share the MessageStore interface: an in-memory store
// for tests and single-process development, a SQLite store for small
// deployments, and a PostgreSQL store for everything else. The SQL
// backends compress message bodies with snappy at rest; ids are
// assigned by the database so they stay unique across restarts.
package store
