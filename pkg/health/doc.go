// Package health runs the node heartbeat writer and the cluster health
// sweeper, computes quorum, detects split-brain and master isolation,
// and manages deduplicated cluster alerts.
package health
