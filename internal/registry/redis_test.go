package registry

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hydra-mesh/hydra-router/internal/umf"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func startedClient(t *testing.T, rdb *redis.Client, cfg Config) *RedisClient {
	t.Helper()
	c := NewRedisClient(rdb, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// seedInstance writes a node entry and live presence key for a fake peer.
func seedInstance(t *testing.T, rdb *redis.Client, service, id string, updatedOn int64) {
	t.Helper()
	ctx := context.Background()
	inst := Instance{ServiceName: service, InstanceID: id, IP: "10.0.0.1", Port: 4000, UpdatedOnTS: updatedOn}
	data, _ := json.Marshal(inst)
	if err := rdb.HSet(ctx, nodesKey, id, data).Err(); err != nil {
		t.Fatalf("seed node: %v", err)
	}
	if err := rdb.Set(ctx, presenceKey(service, id), id, presenceTTL).Err(); err != nil {
		t.Fatalf("seed presence: %v", err)
	}
}

func TestNewInstanceID(t *testing.T) {
	id := NewInstanceID()
	if len(id) != 16 {
		t.Errorf("expected 16-char id, got %q", id)
	}
	for _, r := range id {
		if r == '-' {
			t.Errorf("instance id must not contain dashes: %q", id)
		}
	}
	if NewInstanceID() == id {
		t.Error("instance ids must be unique")
	}
}

func TestRoutesRoundTrip(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()

	c := NewRedisClient(rdb, Config{ServiceName: "hydra-router", IP: "127.0.0.1", Port: 5353})
	routes := []string{"[get]/v1/router/health", "[get]/v1/router/list/:thing"}
	if err := c.AnnounceRoutes(ctx, routes); err != nil {
		t.Fatalf("AnnounceRoutes: %v", err)
	}

	got, err := c.GetServiceRoutes(ctx, "hydra-router")
	if err != nil {
		t.Fatalf("GetServiceRoutes: %v", err)
	}
	if !reflect.DeepEqual(got, routes) {
		t.Errorf("GetServiceRoutes = %v, want %v", got, routes)
	}

	all, err := c.GetAllRoutes(ctx)
	if err != nil {
		t.Fatalf("GetAllRoutes: %v", err)
	}
	if !reflect.DeepEqual(all["hydra-router"], routes) {
		t.Errorf("GetAllRoutes = %v", all)
	}

	// Announcing again replaces, not merges.
	if err := c.AnnounceRoutes(ctx, []string{"[get]/v1/only"}); err != nil {
		t.Fatalf("AnnounceRoutes: %v", err)
	}
	got, _ = c.GetServiceRoutes(ctx, "hydra-router")
	if !reflect.DeepEqual(got, []string{"[get]/v1/only"}) {
		t.Errorf("expected replaced routes, got %v", got)
	}
}

func TestGetServicePresence(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	c := NewRedisClient(rdb, Config{ServiceName: "hydra-router"})

	now := time.Now().Unix()
	seedInstance(t, rdb, "red", "aaaa000000000001", now-2)
	seedInstance(t, rdb, "red", "aaaa000000000002", now)
	seedInstance(t, rdb, "blue", "bbbb000000000001", now)

	// A node entry without a live presence key is not live.
	dead := Instance{ServiceName: "red", InstanceID: "aaaa000000000003", UpdatedOnTS: now - 60}
	data, _ := json.Marshal(dead)
	rdb.HSet(ctx, nodesKey, dead.InstanceID, data)

	got, err := c.GetServicePresence(ctx, "red")
	if err != nil {
		t.Fatalf("GetServicePresence: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 live red instances, got %d", len(got))
	}
	if got[0].InstanceID != "aaaa000000000002" {
		t.Errorf("expected most recently refreshed first, got %v", got[0].InstanceID)
	}

	none, err := c.GetServicePresence(ctx, "green")
	if err != nil {
		t.Fatalf("GetServicePresence(green): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no green instances, got %v", none)
	}
}

func TestClearStaleNodes(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	c := NewRedisClient(rdb, Config{ServiceName: "hydra-router"})

	now := time.Now().Unix()
	seedInstance(t, rdb, "red", "aaaa000000000001", now)
	seedInstance(t, rdb, "red", "aaaa000000000002", now-30)

	removed, err := c.ClearStaleNodes(ctx, 5*time.Second)
	if err != nil {
		t.Fatalf("ClearStaleNodes: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 stale node removed, got %d", removed)
	}

	nodes, err := c.GetNodes(ctx)
	if err != nil {
		t.Fatalf("GetNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].InstanceID != "aaaa000000000001" {
		t.Errorf("unexpected surviving nodes: %v", nodes)
	}
}

func TestSendMessage_Directed(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()

	gw := startedClient(t, rdb, Config{ServiceName: "hydra-router", InstanceID: "gw00000000000001"})
	peer := NewRedisClient(rdb, Config{ServiceName: "red", InstanceID: "red0000000000001"})

	msg := umf.New("gw00000000000001@hydra-router:/", "red0000000000001@red:/")
	msg.Body = map[string]any{"x": float64(1)}
	if err := peer.SendMessage(ctx, msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case got := <-gw.Messages():
		if got.MID != msg.MID {
			t.Errorf("mid mismatch: %q vs %q", got.MID, msg.MID)
		}
		if got.BodyMap()["x"] != float64(1) {
			t.Errorf("body mismatch: %v", got.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for directed frame")
	}
}

func TestSendMessage_ResolvesAnyInstance(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()

	gw := startedClient(t, rdb, Config{ServiceName: "hydra-router", InstanceID: "gw00000000000001"})
	seedInstance(t, rdb, "hydra-router", "gw00000000000001", time.Now().Unix())

	peer := NewRedisClient(rdb, Config{ServiceName: "red", InstanceID: "red0000000000001"})
	msg := umf.New("hydra-router:/", "red0000000000001@red:/")
	msg.Body = map[string]any{}
	if err := peer.SendMessage(ctx, msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case <-gw.Messages():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for any-instance frame")
	}
}

func TestSendMessage_NoInstance(t *testing.T) {
	rdb := testRedis(t)
	c := NewRedisClient(rdb, Config{ServiceName: "hydra-router"})

	msg := umf.New("ghost:/", "hydra-router:/")
	msg.Body = map[string]any{}
	err := c.SendMessage(context.Background(), msg)
	if !errors.Is(err, ErrNoInstance) {
		t.Errorf("expected ErrNoInstance, got %v", err)
	}
}

func TestSendBroadcast(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()

	gw := startedClient(t, rdb, Config{ServiceName: "hydra-router", InstanceID: "gw00000000000001"})
	peer := NewRedisClient(rdb, Config{ServiceName: "red", InstanceID: "red0000000000001"})

	msg := umf.New("hydra-router:/", "red0000000000001@red:/")
	msg.Type = "wsdir.add"
	msg.Body = map[string]any{"routerID": "r2", "clientID": "abc"}
	if err := peer.SendBroadcast(ctx, msg); err != nil {
		t.Fatalf("SendBroadcast: %v", err)
	}

	select {
	case got := <-gw.Messages():
		if got.Type != "wsdir.add" {
			t.Errorf("unexpected frame: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast frame")
	}
}

func TestMakeAPIRequest_ReplyCorrelation(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()

	gw := startedClient(t, rdb, Config{ServiceName: "hydra-router", InstanceID: "gw00000000000001"})
	red := startedClient(t, rdb, Config{ServiceName: "red", InstanceID: "red0000000000001"})
	seedInstance(t, rdb, "red", "red0000000000001", time.Now().Unix())

	// Fake service: reply to every inbound request.
	go func() {
		for m := range red.Messages() {
			reply := umf.New(m.From, "red0000000000001@red:/")
			reply.RMID = m.MID
			reply.Body = map[string]any{"statusCode": float64(200), "result": map[string]any{"ok": true}}
			red.SendMessage(context.Background(), reply)
		}
	}()

	req := umf.New("red:[get]/v1/red/hello", "gw00000000000001@hydra-router:/")
	req.Body = map[string]any{}
	reply, err := gw.MakeAPIRequest(ctx, req, 2*time.Second)
	if err != nil {
		t.Fatalf("MakeAPIRequest: %v", err)
	}
	if reply.RMID != req.MID {
		t.Errorf("expected rmid %q, got %q", req.MID, reply.RMID)
	}

	// Claimed replies must not surface on Messages.
	select {
	case m := <-gw.Messages():
		t.Errorf("reply leaked to Messages: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMakeAPIRequest_Timeout(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()

	gw := startedClient(t, rdb, Config{ServiceName: "hydra-router", InstanceID: "gw00000000000001"})
	seedInstance(t, rdb, "red", "red0000000000001", time.Now().Unix())

	req := umf.New("red:[get]/v1/red/hello", "gw00000000000001@hydra-router:/")
	req.Body = map[string]any{}
	_, err := gw.MakeAPIRequest(ctx, req, 100*time.Millisecond)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != 504 {
		t.Errorf("expected 504, got %d", apiErr.StatusCode)
	}
}

func TestMakeAPIRequest_NoInstance(t *testing.T) {
	rdb := testRedis(t)
	gw := startedClient(t, rdb, Config{ServiceName: "hydra-router", InstanceID: "gw00000000000001"})

	req := umf.New("ghost:[get]/v1/x", "gw00000000000001@hydra-router:/")
	req.Body = map[string]any{}
	_, err := gw.MakeAPIRequest(context.Background(), req, time.Second)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != 503 {
		t.Errorf("expected 503, got %d", apiErr.StatusCode)
	}
}

func TestQueueMessage(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	c := NewRedisClient(rdb, Config{ServiceName: "hydra-router"})

	msg := umf.New("red:/", "hydra-router:/")
	msg.Body = map[string]any{"x": float64(1)}
	if err := c.QueueMessage(ctx, msg); err != nil {
		t.Fatalf("QueueMessage: %v", err)
	}

	raw, err := rdb.LPop(ctx, mqKey("red")).Result()
	if err != nil {
		t.Fatalf("LPop: %v", err)
	}
	got, err := umf.Unmarshal([]byte(raw))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.MID != msg.MID {
		t.Errorf("queued frame mismatch: %q vs %q", got.MID, msg.MID)
	}
}
