// Package replication moves committed document mutations between
// cluster nodes. A capture loop turns the store's change stream into a
// durable, per-source sequenced replication log; a dispatcher ships
// outstanding events to replica nodes over HTTP; Apply executes inbound
// events idempotently and routes concurrent writes through the conflict
// resolver.
package replication
