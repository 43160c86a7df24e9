package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowdb/burrow/pkg/cache"
	"github.com/burrowdb/burrow/pkg/config"
	"github.com/burrowdb/burrow/pkg/elector"
	"github.com/burrowdb/burrow/pkg/health"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/migration"
	"github.com/burrowdb/burrow/pkg/registry"
	"github.com/burrowdb/burrow/pkg/replication"
	"github.com/burrowdb/burrow/pkg/router"
	"github.com/burrowdb/burrow/pkg/security"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

const testToken = "test-cluster-token"

// newTestServer assembles the full component graph behind an in-memory
// handler so routes can be driven with httptest
func newTestServer(t *testing.T, opts ...func(*config.Config)) (*Server, *registry.Registry, storage.Store) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Cluster.NodeID = "local"
	cfg.Cluster.AuthToken = testToken
	cfg.Migration.StorageDir = t.TempDir()
	cfg.Migration.RateLimitHours = 0
	for _, opt := range opts {
		opt(cfg)
	}

	reg := registry.NewRegistry(store)
	alerts := health.NewAlertManager(store)
	elect := elector.New(elector.Config{LocalNodeID: "local"}, reg, alerts)
	reg.SetLeaderSource(elect)

	monitor := health.NewMonitor(health.Config{
		LocalNodeID:       "local",
		HeartbeatInterval: time.Second,
		FailureThreshold:  3,
		QuorumPercentage:  cfg.Cluster.QuorumPercentage,
	}, reg, alerts)

	engine, err := replication.NewEngine(replication.Config{
		LocalNodeID: "local",
		Mode:        types.ReplicationAsync,
	}, store, reg, alerts)
	require.NoError(t, err)

	balancer := router.NewBalancer(router.Config{LocalNodeID: "local"}, reg)
	forwarder := router.NewForwarder(router.Config{LocalNodeID: "local"}, balancer)

	sealer, err := security.NewSealerFromSecret(testToken)
	require.NoError(t, err)
	mgr, err := migration.NewManager(cfg.Migration, store, cache.NewMemoryCache(), sealer)
	require.NoError(t, err)

	srv := NewServer(cfg, Deps{
		Store:     store,
		Registry:  reg,
		Monitor:   monitor,
		Elector:   elect,
		Engine:    engine,
		Forwarder: forwarder,
		Migration: mgr,
		Scheduler: migration.NewScheduler(mgr),
	})
	return srv, reg, store
}

func registerLocalMaster(t *testing.T, reg *registry.Registry) {
	t.Helper()
	_, err := reg.Register(context.Background(), registry.RegisterRequest{
		NodeID:       "local",
		Hostname:     "127.0.0.1",
		Port:         8420,
		Role:         types.NodeRoleMaster,
		ClusterToken: testToken,
	})
	require.NoError(t, err)
}

func do(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}

	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestTokenRequired(t *testing.T) {
	srv, _, _ := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized,
		do(t, srv, http.MethodGet, "/cluster/nodes", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, srv, http.MethodGet, "/cluster/nodes", "wrong-token", nil).Code)
	assert.Equal(t, http.StatusOK,
		do(t, srv, http.MethodGet, "/cluster/nodes", testToken, nil).Code)
}

func TestMetricsEndpointIsOpen(t *testing.T) {
	srv, _, _ := newTestServer(t)

	assert.Equal(t, http.StatusOK,
		do(t, srv, http.MethodGet, "/metrics", "", nil).Code)
}

func TestRegisterAndClusterHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// an empty cluster has no quorum
	assert.Equal(t, http.StatusServiceUnavailable,
		do(t, srv, http.MethodGet, "/cluster/health", testToken, nil).Code)

	w := do(t, srv, http.MethodPost, "/cluster/register", testToken, registry.RegisterRequest{
		NodeID:       "local",
		Hostname:     "127.0.0.1",
		Port:         8420,
		Role:         types.NodeRoleMaster,
		ClusterToken: testToken,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	node := decode(t, w)
	assert.Equal(t, "local", node["_id"])
	assert.Equal(t, string(types.NodeStatusHealthy), node["status"])

	w = do(t, srv, http.MethodGet, "/cluster/health", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["has_quorum"])
}

func TestRegisterRejectsMissingAddress(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/cluster/register", testToken, registry.RegisterRequest{
		NodeID: "n1",
		Role:   types.NodeRoleReplica,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDataCRUDOnLocalMaster(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	registerLocalMaster(t, reg)

	w := do(t, srv, http.MethodPost, "/data/users", testToken,
		map[string]interface{}{"_id": "u1", "name": "alice"})
	require.Equal(t, http.StatusCreated, w.Code)

	// _id is mandatory on insert
	assert.Equal(t, http.StatusBadRequest,
		do(t, srv, http.MethodPost, "/data/users", testToken,
			map[string]interface{}{"name": "no-id"}).Code)

	// internal collections are not reachable over the data surface
	assert.Equal(t, http.StatusBadRequest,
		do(t, srv, http.MethodPost, "/data/"+types.CollectionClusterNodes, testToken,
			map[string]interface{}{"_id": "x"}).Code)

	w = do(t, srv, http.MethodGet, "/data/users/u1", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", decode(t, w)["name"])

	w = do(t, srv, http.MethodPatch, "/data/users/u1", testToken,
		map[string]interface{}{"name": "bob"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/data/users", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	require.Equal(t, http.StatusOK,
		do(t, srv, http.MethodDelete, "/data/users/u1", testToken, nil).Code)
	assert.Equal(t, http.StatusNotFound,
		do(t, srv, http.MethodGet, "/data/users/u1", testToken, nil).Code)
}

func TestWriteWithoutLeaderIsUnavailable(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/data/users", testToken,
		map[string]interface{}{"_id": "u1"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestForwardedRequestServedLocally(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// an already forwarded write never takes a second hop, even with no
	// leader in sight
	raw, err := json.Marshal(map[string]interface{}{"_id": "u1", "name": "alice"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/data/users", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, testToken)
	req.Header.Set(router.ForwardedFromHeader, "peer-1")

	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestPromoteAndDemoteEndpoints(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	registerLocalMaster(t, reg)

	w := do(t, srv, http.MethodPost, "/cluster/register", testToken, registry.RegisterRequest{
		NodeID:       "r1",
		Hostname:     "10.0.0.2",
		Port:         8420,
		Role:         types.NodeRoleReplica,
		ClusterToken: testToken,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, srv, http.MethodPost, "/cluster/nodes/promote", testToken,
		map[string]interface{}{"node_id": "r1"})
	require.Equal(t, http.StatusOK, w.Code)
	promoted := decode(t, w)["promoted"].(map[string]interface{})
	assert.Equal(t, string(types.NodeRoleMaster), promoted["role"])

	w = do(t, srv, http.MethodPost, "/cluster/nodes/r1/demote", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	demoted := decode(t, w)["demoted"].(map[string]interface{})
	assert.Equal(t, string(types.NodeRoleReplica), demoted["role"])

	assert.Equal(t, http.StatusNotFound,
		do(t, srv, http.MethodPost, "/cluster/nodes/ghost/promote", testToken, nil).Code)

	require.Equal(t, http.StatusOK,
		do(t, srv, http.MethodDelete, "/cluster/nodes/r1", testToken, nil).Code)
	assert.Equal(t, http.StatusNotFound,
		do(t, srv, http.MethodGet, "/cluster/nodes/r1", testToken, nil).Code)
}

func TestClusterEventsAndAlerts(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	registerLocalMaster(t, reg)

	w := do(t, srv, http.MethodGet, "/cluster/events?limit=5", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decode(t, w)
	assert.GreaterOrEqual(t, events["count"], float64(1))

	w = do(t, srv, http.MethodGet, "/cluster/alerts", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["count"])
}

func TestReplicationApplyAndLag(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	registerLocalMaster(t, reg)

	w := do(t, srv, http.MethodPost, "/cluster/replication/apply", testToken,
		types.ReplicationEvent{
			EventID:        "ev-1",
			SequenceNumber: 1,
			Operation:      types.OpInsert,
			Collection:     "users",
			DocumentID:     "u9",
			Payload:        map[string]interface{}{"_id": "u9", "name": "carol"},
			Timestamp:      time.Now().UTC(),
			SourceNode:     "peer-1",
		})
	require.Equal(t, http.StatusOK, w.Code)
	applied := decode(t, w)
	assert.Equal(t, true, applied["applied"])
	assert.Equal(t, "ev-1", applied["event_id"])

	w = do(t, srv, http.MethodGet, "/data/users/u9", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "carol", decode(t, w)["name"])

	// a malformed event never reaches the store
	w = do(t, srv, http.MethodPost, "/cluster/replication/apply", testToken,
		types.ReplicationEvent{
			EventID:    "ev-2",
			Operation:  "merge",
			Collection: "users",
			DocumentID: "u9",
			SourceNode: "peer-1",
		})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodGet, "/cluster/replication/lag?node_id=ghost", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(-1), decode(t, w)["lag_seconds"])

	w = do(t, srv, http.MethodGet, "/cluster/replication/conflicts", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["count"])
}

func TestMigrationExportDownloadHistory(t *testing.T) {
	srv, _, store := newTestServer(t)

	require.NoError(t, store.Insert("users", storage.Document{"_id": "u1", "name": "alice"}))
	require.NoError(t, store.Insert("users", storage.Document{"_id": "u2", "name": "bob"}))

	w := do(t, srv, http.MethodPost, "/migration/export", testToken,
		migration.ExportRequest{UserID: "u1"})
	require.Equal(t, http.StatusCreated, w.Code)
	rec := decode(t, w)
	id := rec["_id"].(string)
	assert.Equal(t, string(types.MigrationCompleted), rec["status"])

	w = do(t, srv, http.MethodGet, "/migration/export/"+id+"/download?user_id=u1", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Package-Checksum"))
	assert.NotEmpty(t, w.Body.Bytes())

	w = do(t, srv, http.MethodGet, "/migration/history", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = do(t, srv, http.MethodGet, "/migration/"+id+"/status", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/migration/collections", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.GreaterOrEqual(t, decode(t, w)["count"], float64(1))
}

func TestImportRoundTripOverHTTP(t *testing.T) {
	srv, _, store := newTestServer(t)

	require.NoError(t, store.Insert("users", storage.Document{"_id": "u1", "name": "alice"}))

	w := do(t, srv, http.MethodPost, "/migration/export", testToken,
		migration.ExportRequest{UserID: "u1"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["_id"].(string)

	w = do(t, srv, http.MethodGet, "/migration/export/"+id+"/download?user_id=u1", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	pkg := w.Body.Bytes()

	// a fresh node accepts the package as a raw body upload
	target, _, targetStore := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost,
		"/migration/import?user_id=u2&conflict_policy=overwrite", bytes.NewReader(pkg))
	req.Header.Set(TokenHeader, testToken)
	rw := httptest.NewRecorder()
	target.http.Handler.ServeHTTP(rw, req)
	require.Equal(t, http.StatusCreated, rw.Code)

	doc, err := targetStore.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", doc["name"])
}

func TestUploadThenImportByPackageID(t *testing.T) {
	srv, _, store := newTestServer(t)

	require.NoError(t, store.Insert("users", storage.Document{"_id": "u1", "name": "alice"}))

	w := do(t, srv, http.MethodPost, "/migration/export", testToken,
		migration.ExportRequest{UserID: "u1"})
	require.Equal(t, http.StatusCreated, w.Code)
	exportID := decode(t, w)["_id"].(string)

	w = do(t, srv, http.MethodGet, "/migration/export/"+exportID+"/download?user_id=u1", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	pkg := w.Body.Bytes()

	target, _, targetStore := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/migration/upload?user_id=u2", bytes.NewReader(pkg))
	req.Header.Set(TokenHeader, testToken)
	req.Header.Set("Content-Type", "application/gzip")
	rw := httptest.NewRecorder()
	target.http.Handler.ServeHTTP(rw, req)
	require.Equal(t, http.StatusCreated, rw.Code)
	packageID := decode(t, rw)["migration_package_id"].(string)

	w = do(t, target, http.MethodPost,
		"/migration/import?user_id=u2&package_id="+packageID, testToken, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	doc, err := targetStore.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", doc["name"])

	// an empty upload is rejected before anything is stored
	rw = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/migration/upload?user_id=u2", nil)
	req.Header.Set(TokenHeader, testToken)
	req.Header.Set("Content-Type", "application/octet-stream")
	target.http.Handler.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestUploadContentTypeAllowList(t *testing.T) {
	srv, _, _ := newTestServer(t)

	post := func(contentType string) int {
		req := httptest.NewRequest(http.MethodPost, "/migration/upload?user_id=u1",
			bytes.NewReader([]byte("payload")))
		req.Header.Set(TokenHeader, testToken)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		rw := httptest.NewRecorder()
		srv.http.Handler.ServeHTTP(rw, req)
		return rw.Code
	}

	assert.Equal(t, http.StatusBadRequest, post("application/json"))
	assert.Equal(t, http.StatusBadRequest, post("text/plain"))
	assert.Equal(t, http.StatusBadRequest, post(""))

	for _, ct := range []string{"application/gzip", "application/x-gzip", "application/octet-stream"} {
		assert.Equal(t, http.StatusCreated, post(ct), ct)
	}
}

func TestMigrationIPAllowlist(t *testing.T) {
	blocked, _, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Migration.AllowedIPs = []string{"10.9.9.9"}
	})
	assert.Equal(t, http.StatusForbidden,
		do(t, blocked, http.MethodGet, "/migration/history", testToken, nil).Code)

	// httptest requests originate from 192.0.2.1
	allowed, _, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Migration.AllowedIPs = []string{"192.0.2.1"}
	})
	assert.Equal(t, http.StatusOK,
		do(t, allowed, http.MethodGet, "/migration/history", testToken, nil).Code)

	// the cluster surface is not IP restricted
	assert.Equal(t, http.StatusOK,
		do(t, blocked, http.MethodGet, "/cluster/nodes", testToken, nil).Code)
}

func TestHistoryPagination(t *testing.T) {
	srv, _, store := newTestServer(t)

	require.NoError(t, store.Insert("users", storage.Document{"_id": "u1"}))
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated,
			do(t, srv, http.MethodPost, "/migration/export", testToken,
				migration.ExportRequest{UserID: "u1"}).Code)
	}

	w := do(t, srv, http.MethodGet, "/migration/history?limit=2", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, float64(3), body["total"])

	w = do(t, srv, http.MethodGet, "/migration/history?offset=2", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

func TestExportRateLimitedWithRetryAfter(t *testing.T) {
	srv, _, store := newTestServer(t, func(cfg *config.Config) {
		cfg.Migration.RateLimitHours = 1
	})

	require.NoError(t, store.Insert("users", storage.Document{"_id": "u1"}))

	require.Equal(t, http.StatusCreated,
		do(t, srv, http.MethodPost, "/migration/export", testToken,
			migration.ExportRequest{UserID: "u1"}).Code)

	w := do(t, srv, http.MethodPost, "/migration/export", testToken,
		migration.ExportRequest{UserID: "u1"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestInstanceAndScheduleEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/migration/instances", testToken,
		migration.InstanceRequest{
			OwnerID: "u1", Name: "src", BaseURL: "http://src", APIKey: "k1",
		})
	require.Equal(t, http.StatusCreated, w.Code)
	src := decode(t, w)["_id"].(string)

	w = do(t, srv, http.MethodPost, "/migration/instances", testToken,
		migration.InstanceRequest{
			OwnerID: "u1", Name: "dst", BaseURL: "http://dst", APIKey: "k2",
		})
	require.Equal(t, http.StatusCreated, w.Code)
	dst := decode(t, w)["_id"].(string)

	w = do(t, srv, http.MethodGet, "/migration/instances?owner_id=u1", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])

	// the transfer launches in the background and fails against fake
	// instance URLs; the API contract here is the 202 and the record
	w = do(t, srv, http.MethodPost, "/migration/transfer", testToken,
		migration.TransferRequest{
			SourceInstanceID: src,
			TargetInstanceID: dst,
			Collections:      []string{"users"},
			CreatedBy:        "u1",
		})
	require.Equal(t, http.StatusAccepted, w.Code)
	transferID := decode(t, w)["_id"].(string)

	w = do(t, srv, http.MethodGet, "/migration/transfer/"+transferID, testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodPost, "/migration/schedules", testToken,
		map[string]interface{}{"transfer_id": transferID, "cron_spec": "0 3 * * *"})
	require.Equal(t, http.StatusCreated, w.Code)
	scheduleID := decode(t, w)["_id"].(string)

	require.Equal(t, http.StatusOK,
		do(t, srv, http.MethodPost, "/migration/schedules/"+scheduleID+"/disable", testToken, nil).Code)
	require.Equal(t, http.StatusOK,
		do(t, srv, http.MethodDelete, "/migration/schedules/"+scheduleID, testToken, nil).Code)

	assert.Equal(t, http.StatusBadRequest,
		do(t, srv, http.MethodPost, "/migration/schedules", testToken,
			map[string]interface{}{"transfer_id": transferID, "cron_spec": "bad"}).Code)
}

func TestValidateOwnerAcrossCluster(t *testing.T) {
	srv, reg, _ := newTestServer(t)

	_, err := reg.Register(context.Background(), registry.RegisterRequest{
		NodeID:       "local",
		Hostname:     "127.0.0.1",
		Port:         8420,
		Role:         types.NodeRoleMaster,
		OwnerUserID:  "owner-1",
		ClusterToken: testToken,
	})
	require.NoError(t, err)

	w := do(t, srv, http.MethodPost, "/cluster/validate-owner", testToken,
		map[string]interface{}{"owner_user_id": "owner-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["valid"])

	w = do(t, srv, http.MethodPost, "/cluster/validate-owner", testToken,
		map[string]interface{}{"owner_user_id": "nobody"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["valid"])
}
