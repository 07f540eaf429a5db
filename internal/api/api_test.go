package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"mes-backend/config"
	"mes-backend/internal/model"
	"mes-backend/internal/store"
	"mes-backend/internal/ws"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupRouter wires the real router onto an in-memory SQLite store.
func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	router, _ := setupRouterWithHub(t)
	return router
}

func setupRouterWithHub(t *testing.T) (*gin.Engine, *ws.Hub) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Machine{},
		&model.MachineState{},
		&model.PushSubscription{},
	))
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})

	cfg := &config.ServerConfig{RateLimitPerSec: 10000, RateLimitBurst: 10000}
	hub := ws.NewHub()
	return NewRouter(store.NewGormStore(db), hub, nil, nil, cfg), hub
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewBuffer(data)
	} else {
		reader = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestMachineLifecycle(t *testing.T) {
	router := setupRouter(t)

	// Create.
	w := doJSON(router, http.MethodPost, "/api/v1/machines", gin.H{"name": "some-machine"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id": 1, "version": 1}`, w.Body.String())

	// List.
	w = doJSON(router, http.MethodGet, "/api/v1/machines", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"id": 1, "name": "some-machine", "version": 1}]`, w.Body.String())

	// Rename.
	w = doJSON(router, http.MethodPatch, "/api/v1/machines/1", gin.H{"name": "renamed-machine"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"version": 2}`, w.Body.String())

	w = doJSON(router, http.MethodGet, "/api/v1/machines", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"id": 1, "name": "renamed-machine", "version": 2}]`, w.Body.String())

	// Delete, twice: idempotent.
	w = doJSON(router, http.MethodDelete, "/api/v1/machines/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(router, http.MethodDelete, "/api/v1/machines/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/machines", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestMachineListSortedByName(t *testing.T) {
	router := setupRouter(t)

	doJSON(router, http.MethodPost, "/api/v1/machines", gin.H{"name": "Beta"})
	doJSON(router, http.MethodPost, "/api/v1/machines", gin.H{"name": "Alpha"})

	w := doJSON(router, http.MethodGet, "/api/v1/machines", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var machines []model.Machine
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &machines))
	require.Len(t, machines, 2)
	assert.Equal(t, "Alpha", machines[0].Name)
	assert.Equal(t, "Beta", machines[1].Name)
}

func TestPostMachineValidation(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/machines", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"what":"SchemaViolation"`)

	w = doJSON(router, http.MethodPost, "/api/v1/machines", gin.H{"name": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"what":"ConstraintViolation"`)
}

func TestPatchMachineValidation(t *testing.T) {
	router := setupRouter(t)
	doJSON(router, http.MethodPost, "/api/v1/machines", gin.H{"name": "some-machine"})

	// Empty patch.
	w := doJSON(router, http.MethodPatch, "/api/v1/machines/1", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"what": "ConstraintViolation", "why": "empty patch"}`, w.Body.String())

	// Unknown machine.
	w = doJSON(router, http.MethodPatch, "/api/v1/machines/1984", gin.H{"name": "ghost"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"what": "MachineNotFound", "why": {"machine_id": 1984}}`, w.Body.String())

	// Malformed id.
	w = doJSON(router, http.MethodPatch, "/api/v1/machines/not-a-number", gin.H{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"what":"SchemaViolation"`)
}

func TestPutMachineState(t *testing.T) {
	router := setupRouter(t)
	doJSON(router, http.MethodPost, "/api/v1/machines", gin.H{"name": "some-machine"})

	w := doJSON(router, http.MethodPost, "/api/v1/machine-state", gin.H{
		"machine_id": 1,
		"start":      1000,
		"stop":       2000,
		"condition":  "working",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id": 1}`, w.Body.String())

	// Identical re-submission is an idempotent success.
	w = doJSON(router, http.MethodPost, "/api/v1/machine-state", gin.H{
		"machine_id": 1,
		"start":      1000,
		"stop":       2000,
		"condition":  "working",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id": 1}`, w.Body.String())
}

func TestPutMachineStateErrors(t *testing.T) {
	router := setupRouter(t)
	doJSON(router, http.MethodPost, "/api/v1/machines", gin.H{"name": "some-machine"})
	doJSON(router, http.MethodPost, "/api/v1/machine-state", gin.H{
		"machine_id": 1,
		"start":      1000,
		"stop":       2000,
		"condition":  "working",
	})

	t.Run("machine not found", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/machine-state", gin.H{
			"machine_id": 1984,
			"start":      1000,
			"stop":       2000,
			"condition":  "working",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"what": "MachineNotFound", "why": {"machine_id": 1984}}`, w.Body.String())
	})

	t.Run("overlap", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/machine-state", gin.H{
			"machine_id": 1,
			"start":      500,
			"stop":       1500,
			"condition":  "working",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t,
			`{"what": "StateOverlap", "why": {"machine_id": 1, "start": 1000, "stop": 2000}}`,
			w.Body.String())
	})

	t.Run("condition changed", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/machine-state", gin.H{
			"machine_id": 1,
			"start":      1000,
			"stop":       2500,
			"condition":  "broken",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t,
			`{"what": "ConditionChanged", "why": {"old": "working", "new": "broken"}}`,
			w.Body.String())
	})

	t.Run("stop before start", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/machine-state", gin.H{
			"machine_id": 1,
			"start":      5000,
			"stop":       4000,
			"condition":  "working",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"what": "ConstraintViolation", "why": "stop before start"}`, w.Body.String())
	})

	t.Run("unknown condition", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/machine-state", gin.H{
			"machine_id": 1,
			"start":      9000,
			"stop":       9500,
			"condition":  "melting",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), `"what":"SchemaViolation"`)
	})

	t.Run("missing fields", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/machine-state", gin.H{
			"machine_id": 1,
			"condition":  "working",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), `"what":"SchemaViolation"`)
	})

	t.Run("negative total_energy", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/machine-state", gin.H{
			"machine_id":   1,
			"start":        9000,
			"stop":         9500,
			"condition":    "working",
			"total_energy": -1,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), `"what":"SchemaViolation"`)
	})
}

func TestPutMachineStateZeroStart(t *testing.T) {
	router := setupRouter(t)
	doJSON(router, http.MethodPost, "/api/v1/machines", gin.H{"name": "some-machine"})

	// start == 0 is a legitimate epoch value, not a missing field.
	w := doJSON(router, http.MethodPost, "/api/v1/machine-state", gin.H{
		"machine_id": 1,
		"start":      0,
		"stop":       10,
		"condition":  "off",
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPutSubscriptionValidation(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(router, http.MethodPut, "/api/v1/subscriptions", gin.H{"endpoint": "https://example.com/push"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"what":"SchemaViolation"`)
}

func TestSubscriptionRoundTrip(t *testing.T) {
	router := setupRouter(t)
	doJSON(router, http.MethodPost, "/api/v1/machines", gin.H{"name": "some-machine"})

	w := doJSON(router, http.MethodPut, "/api/v1/subscriptions", gin.H{
		"endpoint":            "https://example.com/push",
		"p256dh":              "key",
		"auth":                "secret",
		"subscribed_machines": []int64{1},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/subscriptions?endpoint=https://example.com/push", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"subscribed_machines": [1]}`, w.Body.String())

	w = doJSON(router, http.MethodDelete, "/api/v1/subscriptions", gin.H{"endpoint": "https://example.com/push"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/subscriptions?endpoint=https://example.com/push", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestMutationBroadcasts verifies the notification contract end to end:
// every accepted mutation reaches connected WebSocket clients, rejected ones
// never do.
func TestMutationBroadcasts(t *testing.T) {
	router, hub := setupRouterWithHub(t)

	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	readEvent := func() ws.Message {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg ws.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	// A created machine is announced with its snapshot.
	w := doJSON(router, http.MethodPost, "/api/v1/machines", gin.H{"name": "some-machine"})
	require.Equal(t, http.StatusOK, w.Code)
	msg := readEvent()
	assert.Equal(t, ws.EventPutMachine, msg.Event)
	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "some-machine", payload["name"])

	// An accepted state upsert is announced.
	w = doJSON(router, http.MethodPost, "/api/v1/machine-state", gin.H{
		"machine_id": 1,
		"start":      1000,
		"stop":       2000,
		"condition":  "working",
	})
	require.Equal(t, http.StatusOK, w.Code)
	msg = readEvent()
	assert.Equal(t, ws.EventPutMachineState, msg.Event)

	// A rejected upsert emits nothing: the next event seen by the client must
	// be the one for the following successful mutation.
	w = doJSON(router, http.MethodPost, "/api/v1/machine-state", gin.H{
		"machine_id": 1,
		"start":      1500,
		"stop":       2500,
		"condition":  "working",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodDelete, "/api/v1/machines/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	msg = readEvent()
	assert.Equal(t, ws.EventDeleteMachine, msg.Event)
}

func TestVAPIDPublicKeyUnconfigured(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(router, http.MethodGet, "/api/v1/vapid_public_key", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
