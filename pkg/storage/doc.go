/*
Package storage provides the persistent document store backing the
cluster core.

The store is BoltDB with one bucket per collection and JSON-encoded
documents keyed by "_id". Collections are created lazily on first
write; the internal cluster collections are created eagerly at open so
background loops never race on first use.

# Change stream

Every committed mutation is published to all Subscribe()d channels as a
ChangeEvent carrying the operation, collection, document id, and
post-image. The replication engine's capture loop is the primary
consumer; subscribers with full buffers are skipped rather than blocked
so a slow consumer cannot stall writes.

# Typed records

Cluster records (nodes, replication events, migrations, ...) round-trip
through Encode/Decode using their JSON tags, keeping the Store API
generic so replication apply and the migration pipeline can operate on
arbitrary collections.
*/
package storage
