package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/hydra-mesh/hydra-router/internal/config"
	"github.com/hydra-mesh/hydra-router/internal/registry"
	"github.com/hydra-mesh/hydra-router/internal/umf"
)

// startGateway boots a gateway against a fresh miniredis and serves it
// through httptest.
func startGateway(t *testing.T) (*Gateway, *httptest.Server, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.RequestTimeout = 2

	g, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { g.Close() })

	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, srv, mr
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *umf.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	msg, err := umf.Unmarshal(data)
	if err != nil {
		t.Fatalf("frame decode: %v", err)
	}
	return msg
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg *umf.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("frame encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("ws write: %v", err)
	}
}

func TestWelcomeAndPing(t *testing.T) {
	_, srv, _ := startGateway(t)
	conn := dialWS(t, srv)

	welcome := readFrame(t, conn)
	if welcome.Type != "connection" {
		t.Fatalf("expected connection frame, got %+v", welcome)
	}
	clientID := welcome.BodyString("id")
	if clientID == "" {
		t.Fatal("welcome frame carries no client id")
	}

	ping := umf.New("hydra-router:/", clientID+"@client:/")
	ping.Type = "ping"
	ping.Body = map[string]any{}
	writeFrame(t, conn, ping)

	pong := readFrame(t, conn)
	if pong.Type != "pong" || pong.RMID != ping.MID {
		t.Errorf("pong = %+v", pong)
	}
}

func TestInvalidFrameDisconnects(t *testing.T) {
	_, srv, _ := startGateway(t)
	conn := dialWS(t, srv)
	readFrame(t, conn) // welcome

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("ws write: %v", err)
	}

	errFrame := readFrame(t, conn)
	if errFrame.Type != "error" {
		t.Fatalf("expected error frame, got %+v", errFrame)
	}

	// The connection is closed after the error frame.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected closed connection")
	}
}

func TestAdminVersionOverHTTP(t *testing.T) {
	_, srv, _ := startGateway(t)

	res, err := http.Get(srv.URL + "/v1/router/version")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("status = %d", res.StatusCode)
	}
	data, _ := io.ReadAll(res.Body)
	var out map[string]any
	json.Unmarshal(data, &out)
	result, _ := out["result"].(map[string]any)
	if result["version"] != "test" {
		t.Errorf("version = %v", out)
	}
}

func TestUnmatchedPathIs404(t *testing.T) {
	_, srv, _ := startGateway(t)

	res, err := http.Get(srv.URL + "/no/such/route")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != 404 {
		t.Errorf("status = %d, want 404", res.StatusCode)
	}
}

func TestForwardToLiveService(t *testing.T) {
	g, srv, mr := startGateway(t)
	ctx := context.Background()

	// Boot a fake service instance on the same registry.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	red := registry.NewRedisClient(rdb, registry.Config{
		ServiceName: "red", InstanceID: "red0000000000001", IP: "127.0.0.1", Port: 7000,
	})
	if err := red.RegisterService(ctx); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	if err := red.AnnounceRoutes(ctx, []string{"[get]/v1/red/hello"}); err != nil {
		t.Fatalf("AnnounceRoutes: %v", err)
	}
	if err := red.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { red.Close() })

	go func() {
		for m := range red.Messages() {
			reply := umf.New(m.From, "red0000000000001@red:/")
			reply.RMID = m.MID
			reply.Body = map[string]any{
				"statusCode": float64(200),
				"headers":    map[string]any{"content-type": "application/json"},
				"payload":    `{"greeting":"hello"}`,
			}
			red.SendMessage(context.Background(), reply)
		}
	}()

	if err := g.table.Refresh(ctx, "red"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	res, err := http.Get(srv.URL + "/v1/red/hello")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("status = %d", res.StatusCode)
	}
	data, _ := io.ReadAll(res.Body)
	var out map[string]any
	json.Unmarshal(data, &out)
	if out["greeting"] != "hello" {
		t.Errorf("body = %s", data)
	}
	if res.Header.Get("x-hydra-tracer") == "" {
		t.Error("tracer header missing")
	}
}

func TestAssetPathFallsBackToService(t *testing.T) {
	g, srv, _ := startGateway(t)

	// "red" is known to the table but none of its patterns match the
	// asset path, so the request must reach the forwarder through the
	// fallback, not the dashboard's static handler.
	g.table.SetRoutes("red", []string{"[get]/v1/red/hello"})

	res, err := http.Get(srv.URL + "/red/app.js")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 503 {
		t.Fatalf("status = %d, want 503 (no red instances)", res.StatusCode)
	}
	if res.Header.Get("x-hydra-tracer") == "" {
		t.Error("tracer header missing: request did not reach the forwarder")
	}
	data, _ := io.ReadAll(res.Body)
	var out map[string]any
	json.Unmarshal(data, &out)
	if out["statusCode"] != float64(503) {
		t.Errorf("body = %s", data)
	}

	// The dashboard's own assets still come from the embedded bundle.
	res, err = http.Get(srv.URL + "/index.css")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != 200 || !strings.HasPrefix(res.Header.Get("content-type"), "text/css") {
		t.Errorf("dashboard asset: %d %q", res.StatusCode, res.Header.Get("content-type"))
	}
}

func TestGatewayAnnouncesOwnRoutes(t *testing.T) {
	g, _, _ := startGateway(t)

	routes, err := g.reg.GetServiceRoutes(context.Background(), "hydra-router")
	if err != nil {
		t.Fatalf("GetServiceRoutes: %v", err)
	}
	var found bool
	for _, r := range routes {
		if r == "[get]/v1/router/health" {
			found = true
		}
	}
	if !found {
		t.Errorf("own routes not announced: %v", routes)
	}
}
