package types

import (
	"fmt"
	"time"
)

// NodeRole defines the role of a node in the cluster
type NodeRole string

const (
	NodeRoleStandalone NodeRole = "standalone"
	NodeRoleMaster     NodeRole = "master"
	NodeRoleReplica    NodeRole = "replica"
)

// NodeStatus represents the current state of a node
type NodeStatus string

const (
	NodeStatusJoining   NodeStatus = "joining"
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
	NodeStatusOffline   NodeStatus = "offline"
	NodeStatusLeaving   NodeStatus = "leaving"
)

// Capabilities describes what a node can do and how much it can take
type Capabilities struct {
	MaxConnections int   `json:"max_connections"`
	StorageBytes   int64 `json:"storage_bytes"`
	CPUCores       int   `json:"cpu_cores"`
	MemoryBytes    int64 `json:"memory_bytes"`
	SupportsWrites bool  `json:"supports_writes"`
	SupportsReads  bool  `json:"supports_reads"`
	// Priority is used by leader election and weighted balancing, 0-100
	Priority int `json:"priority"`
}

// HealthMetrics tracks liveness and resource usage of a node
type HealthMetrics struct {
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryPercent     float64   `json:"memory_percent"`
	DiskPercent       float64   `json:"disk_percent"`
	ActiveConnections int       `json:"active_connections"`
	RequestsPerSecond float64   `json:"requests_per_second"`
}

// ReplicationMetrics tracks replication progress of a node
type ReplicationMetrics struct {
	LagSeconds       float64    `json:"lag_seconds"`
	EventsPending    int64      `json:"events_pending"`
	EventsReplicated int64      `json:"events_replicated"`
	EventsFailed     int64      `json:"events_failed"`
	LastSync         *time.Time `json:"last_sync,omitempty"`
	ThroughputPerSec float64    `json:"throughput_per_sec"`
}

// Node represents one process instance participating in the cluster
type Node struct {
	ID           string             `json:"_id"`
	Hostname     string             `json:"hostname"`
	Port         int                `json:"port"`
	Role         NodeRole           `json:"role"`
	Status       NodeStatus         `json:"status"`
	Capabilities Capabilities       `json:"capabilities"`
	Health       HealthMetrics      `json:"health"`
	Replication  ReplicationMetrics `json:"replication"`
	OwnerUserID  string             `json:"owner_user_id"`
	// TokenHash is the SHA-256 hex of the cluster auth token. The raw
	// token is never persisted or logged.
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Address returns the host:port the node serves its cluster API on
func (n *Node) Address() string {
	return fmt.Sprintf("%s:%d", n.Hostname, n.Port)
}

// BaseURL returns the http base URL for the node's cluster API
func (n *Node) BaseURL() string {
	return fmt.Sprintf("http://%s", n.Address())
}

// IsWritable reports whether the node may accept writes
func (n *Node) IsWritable() bool {
	return n.Capabilities.SupportsWrites &&
		(n.Role == NodeRoleMaster || n.Role == NodeRoleStandalone)
}

// Operation is a Store mutation kind carried by a replication event
type Operation string

const (
	OpInsert  Operation = "insert"
	OpUpdate  Operation = "update"
	OpDelete  Operation = "delete"
	OpReplace Operation = "replace"
)

// ValidOperation reports whether op is one of the four replication operations
func ValidOperation(op Operation) bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete, OpReplace:
		return true
	}
	return false
}

// EventStatus is the lifecycle state of a replication event
type EventStatus string

const (
	EventStatusPending     EventStatus = "pending"
	EventStatusReplicating EventStatus = "replicating"
	EventStatusReplicated  EventStatus = "replicated"
	EventStatusFailed      EventStatus = "failed"
	EventStatusRetrying    EventStatus = "retrying"
)

// ReplicationEvent records a single Store mutation destined for replicas
type ReplicationEvent struct {
	EventID string `json:"_id"`
	// SequenceNumber is strictly increasing per source node
	SequenceNumber int64                  `json:"sequence_number"`
	Operation      Operation              `json:"operation"`
	Collection     string                 `json:"collection"`
	DocumentID     string                 `json:"document_id"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	SourceNode     string                 `json:"source_node"`
	TargetNodes    []string               `json:"target_nodes"`
	Status         EventStatus            `json:"status"`
	RetryCount     int                    `json:"retry_count"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	ReplicatedAt   *time.Time             `json:"replicated_at,omitempty"`
}

// ConflictVersion is one of the competing versions of a document
type ConflictVersion struct {
	SourceNode string                 `json:"source_node"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data"`
}

// ReplicationConflict is persisted for operator review when the
// resolution strategy is manual
type ReplicationConflict struct {
	ID         string            `json:"_id"`
	Collection string            `json:"collection"`
	DocumentID string            `json:"document_id"`
	Versions   []ConflictVersion `json:"versions"`
	Resolved   bool              `json:"resolved"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ConflictStrategy selects how concurrent versions are reconciled
type ConflictStrategy string

const (
	ConflictLastWriteWins ConflictStrategy = "last-write-wins"
	ConflictManual        ConflictStrategy = "manual"
	ConflictCustom        ConflictStrategy = "custom"
)

// TopologyType describes the cluster shape
type TopologyType string

const (
	TopologyStandalone   TopologyType = "standalone"
	TopologyMasterSlave  TopologyType = "master-slave"
	TopologyMasterMaster TopologyType = "master-master"
	TopologyMultiMaster  TopologyType = "multi-master"
)

// ReplicationMode controls when a write returns relative to replica acks
type ReplicationMode string

const (
	ReplicationAsync    ReplicationMode = "async"
	ReplicationSync     ReplicationMode = "sync"
	ReplicationSemiSync ReplicationMode = "semi-sync"
)

// BalancingAlgorithm selects how the router picks a target node
type BalancingAlgorithm string

const (
	BalanceRoundRobin         BalancingAlgorithm = "round-robin"
	BalanceLeastConnections   BalancingAlgorithm = "least-connections"
	BalanceWeightedRoundRobin BalancingAlgorithm = "weighted-round-robin"
	BalanceIPHash             BalancingAlgorithm = "ip-hash"
	BalanceLeastResponseTime  BalancingAlgorithm = "least-response-time"
)

// ReadPreference controls where reads are routed
type ReadPreference string

const (
	ReadPrimary   ReadPreference = "primary"
	ReadSecondary ReadPreference = "secondary"
	ReadAny       ReadPreference = "any"
)

// FailoverConfig controls automatic promotion on master loss
type FailoverConfig struct {
	AutoFailover           bool          `json:"auto_failover"`
	FailoverTimeout        time.Duration `json:"failover_timeout"`
	MinHealthyReplicas     int           `json:"min_healthy_replicas"`
	PromoteOnMasterFailure bool          `json:"promote_on_master_failure"`
}

// ClusterTopology describes the configured cluster shape
type ClusterTopology struct {
	Type              TopologyType       `json:"type"`
	ReplicationFactor int                `json:"replication_factor"`
	ReplicationMode   ReplicationMode    `json:"replication_mode"`
	LoadBalancing     BalancingAlgorithm `json:"load_balancing"`
	Failover          FailoverConfig     `json:"failover"`
}

// AlertSeverity grades cluster alerts
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// AlertType identifies the monitored condition an alert reports
type AlertType string

const (
	AlertNodeDown           AlertType = "node_down"
	AlertNodeDegraded       AlertType = "node_degraded"
	AlertHighReplicationLag AlertType = "high_replication_lag"
	AlertResourceHigh       AlertType = "resource_high"
	AlertSplitBrain         AlertType = "split_brain"
	AlertNoQuorum           AlertType = "no_quorum"
	AlertLeaderChange       AlertType = "leader_change"
	AlertSecurityEvent      AlertType = "security_event"
)

// ClusterScope is the scope id used for cluster-wide alerts
const ClusterScope = "cluster"

// ClusterAlert is a deduplicated alert keyed by "<type>:<node or cluster>"
type ClusterAlert struct {
	ID         string        `json:"_id"`
	Type       AlertType     `json:"type"`
	Severity   AlertSeverity `json:"severity"`
	Title      string        `json:"title"`
	Message    string        `json:"message"`
	NodeID     string        `json:"node_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Resolved   bool          `json:"resolved"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// AlertID builds the deterministic dedup key for an alert
func AlertID(t AlertType, scope string) string {
	if scope == "" {
		scope = ClusterScope
	}
	return fmt.Sprintf("%s:%s", t, scope)
}

// ClusterEvent is an audit record of a cluster state change
type ClusterEvent struct {
	ID        string            `json:"_id"`
	Type      string            `json:"type"`
	NodeID    string            `json:"node_id,omitempty"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Cluster event types recorded by the registry and elector
const (
	EventNodeRegistered = "node_registered"
	EventNodeRemoved    = "node_removed"
	EventNodePromoted   = "node_promoted"
	EventNodeDemoted    = "node_demoted"
	EventLeaderElected  = "leader_elected"
	EventStatusChanged  = "node_status_changed"
)

// QuorumStatus summarizes cluster-wide health
type QuorumStatus string

const (
	QuorumHealthy  QuorumStatus = "healthy"
	QuorumDegraded QuorumStatus = "degraded"
	QuorumLost     QuorumStatus = "no_quorum"
)

// ClusterHealth is the aggregate reported by GET /cluster/health
type ClusterHealth struct {
	Status         QuorumStatus `json:"status"`
	TotalNodes     int          `json:"total_nodes"`
	HealthyNodes   int          `json:"healthy_nodes"`
	UnhealthyNodes int          `json:"unhealthy_nodes"`
	QuorumSize     int          `json:"quorum_size"`
	HasQuorum      bool         `json:"has_quorum"`
	LeaderID       string       `json:"leader_id,omitempty"`
	SplitBrain     bool         `json:"split_brain"`
	CheckedAt      time.Time    `json:"checked_at"`
}

// OwnerValidationResult reports owner existence across polled nodes
type OwnerValidationResult struct {
	OwnerUserID string          `json:"owner_user_id"`
	Valid       bool            `json:"valid"`
	NodeResults map[string]bool `json:"node_results"`
	CheckedAt   time.Time       `json:"checked_at"`
}
