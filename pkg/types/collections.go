package types

// Names of the internal collections owned by the cluster core. This is
// the single catalog used by both the migration allow-list and the
// change-stream exclusion list.
const (
	CollectionClusterNodes        = "cluster_nodes"
	CollectionReplicationLog      = "replication_log"
	CollectionReplicationApplied  = "replication_apply_log"
	CollectionReplicationConflict = "replication_conflicts"
	CollectionClusterEvents       = "cluster_events"
	CollectionClusterAlerts       = "cluster_alerts"
	CollectionMigrations          = "migrations"
	CollectionMigrationTransfers  = "migration_transfers"
	CollectionMigrationInstances  = "migration_instances"
	CollectionScheduledMigrations = "scheduled_migrations"
)

// InternalCollections lists every collection the core owns
var InternalCollections = []string{
	CollectionClusterNodes,
	CollectionReplicationLog,
	CollectionReplicationApplied,
	CollectionReplicationConflict,
	CollectionClusterEvents,
	CollectionClusterAlerts,
	CollectionMigrations,
	CollectionMigrationTransfers,
	CollectionMigrationInstances,
	CollectionScheduledMigrations,
}

var internalSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(InternalCollections))
	for _, c := range InternalCollections {
		m[c] = struct{}{}
	}
	return m
}()

// IsInternalCollection reports whether name is owned by the cluster core.
// Internal collections are excluded from change capture and migration.
func IsInternalCollection(name string) bool {
	_, ok := internalSet[name]
	return ok
}
