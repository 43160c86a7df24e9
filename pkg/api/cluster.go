package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/burrowdb/burrow/pkg/metrics"
	"github.com/burrowdb/burrow/pkg/registry"
	"github.com/burrowdb/burrow/pkg/types"
)

func (s *Server) handleRegister(c *gin.Context) {
	var req registry.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	node, err := s.registry.Register(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, node)
}

func (s *Server) handleClusterHealth(c *gin.Context) {
	h, err := s.monitor.ClusterHealth(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}

	status := http.StatusOK
	if !h.HasQuorum {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func (s *Server) handleListNodes(c *gin.Context) {
	role := types.NodeRole(c.Query("role"))
	status := types.NodeStatus(c.Query("status"))

	nodes, err := s.registry.ListNodes(c.Request.Context(), role, status)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "count": len(nodes)})
}

func (s *Server) handleGetNode(c *gin.Context) {
	node, err := s.registry.GetNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) handleRemoveNode(c *gin.Context) {
	if err := s.registry.RemoveNode(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

type promoteRequest struct {
	NodeID string `json:"node_id" binding:"required"`
	Force  bool   `json:"force"`
}

func (s *Server) handlePromoteNode(c *gin.Context) {
	var req promoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	promoted, err := s.registry.Promote(c.Request.Context(), req.NodeID, req.Force)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"promoted": promoted})
}

func (s *Server) handlePromote(c *gin.Context) {
	force := c.Query("force") == "true"

	promoted, err := s.registry.Promote(c.Request.Context(), c.Param("id"), force)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"promoted": promoted})
}

func (s *Server) handleDemote(c *gin.Context) {
	demoted, err := s.registry.Demote(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"demoted": demoted})
}

func (s *Server) handleResetCircuit(c *gin.Context) {
	nodeID := c.Param("id")
	s.forwarder.Balancer().ResetCircuit(nodeID)
	c.JSON(http.StatusOK, gin.H{
		"node_id":       nodeID,
		"circuit_state": s.forwarder.Balancer().CircuitState(nodeID),
	})
}

func (s *Server) handleRouterStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": s.forwarder.Balancer().AllStats()})
}

func (s *Server) handleClusterEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.registry.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) handleClusterAlerts(c *gin.Context) {
	alerts := s.monitor.Alerts().Active()
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleReplicationApply(c *gin.Context) {
	var ev types.ReplicationEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.engine.Apply(c.Request.Context(), &ev); err != nil {
		s.fail(c, err)
		return
	}
	metrics.EventsApplied.Inc()
	c.JSON(http.StatusOK, gin.H{"applied": true, "event_id": ev.EventID})
}

// handleReplicationLag reports a node's lag in seconds, -1 when nothing
// was ever addressed to it
func (s *Server) handleReplicationLag(c *gin.Context) {
	nodeID := c.Query("node_id")
	if nodeID == "" {
		nodeID = s.cfg.Cluster.NodeID
	}

	lag, known, err := s.engine.LagSeconds(c.Request.Context(), nodeID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !known {
		c.JSON(http.StatusOK, gin.H{"node_id": nodeID, "lag_seconds": -1})
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": nodeID, "lag_seconds": lag})
}

func (s *Server) handleReplicationConflicts(c *gin.Context) {
	conflicts, err := s.engine.Resolver().ListConflicts(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts, "count": len(conflicts)})
}

type validateOwnerRequest struct {
	OwnerUserID string `json:"owner_user_id" binding:"required"`
}

// handleValidateOwner polls every healthy node for the owner and
// aggregates the answers
func (s *Server) handleValidateOwner(c *gin.Context) {
	var req validateOwnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	nodes, err := s.registry.HealthyNodes(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}

	result := types.OwnerValidationResult{
		OwnerUserID: req.OwnerUserID,
		NodeResults: make(map[string]bool),
		CheckedAt:   time.Now().UTC(),
	}

	client := &http.Client{Timeout: 5 * time.Second}
	for _, node := range nodes {
		if node.ID == s.cfg.Cluster.NodeID {
			result.NodeResults[node.ID] = s.ownerExistsLocally(c, req.OwnerUserID)
			continue
		}
		result.NodeResults[node.ID] = s.checkUserRemote(c, client, node, req.OwnerUserID)
	}

	for _, exists := range result.NodeResults {
		if exists {
			result.Valid = true
			break
		}
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) checkUserRemote(c *gin.Context, client *http.Client, node *types.Node, userID string) bool {
	url := fmt.Sprintf("%s/cluster/internal/check-user/%s", node.BaseURL(), userID)
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set(TokenHeader, s.cfg.Cluster.AuthToken)

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || resp.StatusCode != http.StatusOK {
		return false
	}

	var answer struct {
		Exists bool `json:"exists"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&answer); err != nil {
		return false
	}
	return answer.Exists
}

func (s *Server) handleCheckUser(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"user_id": c.Param("id"),
		"exists":  s.ownerExistsLocally(c, c.Param("id")),
	})
}

// ownerExistsLocally reports whether any locally known node is owned by
// the user
func (s *Server) ownerExistsLocally(c *gin.Context, userID string) bool {
	nodes, err := s.registry.ListNodes(c.Request.Context(), "", "")
	if err != nil {
		return false
	}
	for _, node := range nodes {
		if node.OwnerUserID == userID {
			return true
		}
	}
	return false
}
