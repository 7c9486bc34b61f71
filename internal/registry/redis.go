package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hydra-mesh/hydra-router/internal/logging"
	"github.com/hydra-mesh/hydra-router/internal/umf"
)

const (
	keyPrefix = "hydra:service"
	nodesKey  = keyPrefix + ":nodes"

	presenceTTL       = 3 * time.Second
	healthTTL         = 6 * time.Second
	presenceInterval  = 1 * time.Second
	healthEveryNTicks = 5

	inboundBuffer = 64
)

// Config identifies this process to the registry.
type Config struct {
	ServiceName string
	InstanceID  string // assigned when empty
	IP          string
	Port        int
	Version     string
}

// NewInstanceID returns a fresh 16-hex-char instance id. Instance ids must
// not contain dashes; the via-tag grammar uses a dash to append a sub id.
func NewInstanceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// RedisClient is the Client implementation speaking the registry's Redis
// layout: presence and health keys with short TTLs, route sets, a nodes
// hash, and pub/sub channels for broadcast and directed frames.
type RedisClient struct {
	rdb *redis.Client
	cfg Config

	messages  chan *umf.Message
	pendingMu sync.Mutex
	pending   map[string]chan *umf.Message

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisClient creates a registry client. Call Start before using the
// messaging capabilities.
func NewRedisClient(rdb *redis.Client, cfg Config) *RedisClient {
	if cfg.InstanceID == "" {
		cfg.InstanceID = NewInstanceID()
	}
	return &RedisClient{
		rdb:      rdb,
		cfg:      cfg,
		messages: make(chan *umf.Message, inboundBuffer),
		pending:  make(map[string]chan *umf.Message),
	}
}

func (c *RedisClient) ServiceName() string { return c.cfg.ServiceName }
func (c *RedisClient) InstanceID() string  { return c.cfg.InstanceID }

func serviceKey(name string) string          { return keyPrefix + ":" + name + ":service" }
func routesKey(name string) string           { return keyPrefix + ":" + name + ":routes" }
func presenceKey(name, id string) string     { return keyPrefix + ":" + name + ":" + id + ":presence" }
func healthKey(name, id string) string       { return keyPrefix + ":" + name + ":" + id + ":health" }
func mqKey(name string) string               { return keyPrefix + ":" + name + ":mqreceived" }
func broadcastChannel(name string) string    { return keyPrefix + ":mc:" + name }
func directedChannel(name, id string) string { return keyPrefix + ":mc:" + name + ":" + id }

// Start subscribes to this instance's channels and begins the presence
// announcement loop. The initial subscription is confirmed before Start
// returns so no frame published afterwards is missed.
func (c *RedisClient) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	pubsub, err := c.subscribe(ctx)
	if err != nil {
		cancel()
		return err
	}

	c.wg.Add(2)
	go c.consumeLoop(runCtx, pubsub)
	go c.presenceLoop(runCtx)
	return nil
}

func (c *RedisClient) subscribe(ctx context.Context) (*redis.PubSub, error) {
	pubsub := c.rdb.Subscribe(ctx,
		broadcastChannel(c.cfg.ServiceName),
		directedChannel(c.cfg.ServiceName, c.cfg.InstanceID),
	)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("registry subscribe: %w", err)
	}
	return pubsub, nil
}

// consumeLoop receives inbound frames, resubscribing with exponential
// backoff when the subscription dies.
func (c *RedisClient) consumeLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				pubsub.Close()
			case <-stop:
			}
		}()

		for m := range pubsub.Channel() {
			c.dispatch([]byte(m.Payload))
		}
		close(stop)
		pubsub.Close()

		if ctx.Err() != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			next, err := c.subscribe(ctx)
			if err == nil {
				pubsub = next
				bo.Reset()
				break
			}
			logging.Warn("Registry resubscribe failed, retrying", zap.Error(err))
		}
	}
}

// dispatch routes an inbound payload: replies claimed by MakeAPIRequest
// resolve their pending call, everything else surfaces on Messages.
func (c *RedisClient) dispatch(payload []byte) {
	msg, err := umf.Unmarshal(payload)
	if err != nil {
		logging.Warn("Dropping unparseable inbound frame", zap.Error(err))
		return
	}

	if msg.RMID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.RMID]
		if ok {
			delete(c.pending, msg.RMID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	select {
	case c.messages <- msg:
	default:
		logging.Warn("Inbound frame buffer full, dropping frame", zap.String("mid", msg.MID))
	}
}

// presenceLoop re-announces presence every second and health every five.
func (c *RedisClient) presenceLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.announcePresence(ctx)
			tick++
			if tick%healthEveryNTicks == 0 {
				c.announceHealth(ctx)
			}
		}
	}
}

func (c *RedisClient) announcePresence(ctx context.Context) {
	inst := Instance{
		ServiceName: c.cfg.ServiceName,
		InstanceID:  c.cfg.InstanceID,
		IP:          c.cfg.IP,
		Port:        c.cfg.Port,
		Version:     c.cfg.Version,
		HostName:    hostname(),
		UpdatedOnTS: time.Now().Unix(),
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return
	}

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, nodesKey, c.cfg.InstanceID, data)
	pipe.Set(ctx, presenceKey(c.cfg.ServiceName, c.cfg.InstanceID), c.cfg.InstanceID, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		logging.Warn("Presence announcement failed", zap.Error(err))
	}
}

func (c *RedisClient) announceHealth(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snapshot := map[string]any{
		"serviceName": c.cfg.ServiceName,
		"instanceID":  c.cfg.InstanceID,
		"sampledOn":   time.Now().UTC().Format(time.RFC3339),
		"memory": map[string]any{
			"heapAlloc": mem.HeapAlloc,
			"heapSys":   mem.HeapSys,
			"numGC":     mem.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, healthKey(c.cfg.ServiceName, c.cfg.InstanceID), data, healthTTL).Err(); err != nil && ctx.Err() == nil {
		logging.Warn("Health announcement failed", zap.Error(err))
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// RegisterService publishes the service record and the first presence entry.
func (c *RedisClient) RegisterService(ctx context.Context) error {
	record := map[string]any{
		"serviceName": c.cfg.ServiceName,
		"type":        "router",
		"ip":          c.cfg.IP,
		"port":        c.cfg.Port,
		"registeredOn": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("registry register encode: %w", err)
	}
	if err := c.rdb.Set(ctx, serviceKey(c.cfg.ServiceName), data, 0).Err(); err != nil {
		return fmt.Errorf("registry register: %w", err)
	}
	c.announcePresence(ctx)
	return nil
}

// AnnounceRoutes replaces this service's registered route set.
func (c *RedisClient) AnnounceRoutes(ctx context.Context, routes []string) error {
	key := routesKey(c.cfg.ServiceName)
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, key)
	if len(routes) > 0 {
		members := make([]any, len(routes))
		for i, r := range routes {
			members[i] = r
		}
		pipe.SAdd(ctx, key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry announce routes: %w", err)
	}
	return nil
}

// GetAllRoutes scans every service's route set.
func (c *RedisClient) GetAllRoutes(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)

	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, keyPrefix+":*:routes", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("registry scan routes: %w", err)
		}
		for _, key := range keys {
			name := strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix+":"), ":routes")
			routes, err := c.rdb.SMembers(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("registry read routes for %s: %w", name, err)
			}
			sort.Strings(routes)
			out[name] = routes
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// GetServiceRoutes returns one service's registered routes.
func (c *RedisClient) GetServiceRoutes(ctx context.Context, service string) ([]string, error) {
	routes, err := c.rdb.SMembers(ctx, routesKey(service)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry read routes for %s: %w", service, err)
	}
	sort.Strings(routes)
	return routes, nil
}

// GetServicePresence returns the live instances of a service. Liveness is
// the presence key still existing; ordering is most recently refreshed
// first, which is the registry's selection order.
func (c *RedisClient) GetServicePresence(ctx context.Context, service string) ([]Instance, error) {
	nodes, err := c.rdb.HGetAll(ctx, nodesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("registry read nodes: %w", err)
	}

	var out []Instance
	for _, raw := range nodes {
		var inst Instance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			continue
		}
		if inst.ServiceName != service {
			continue
		}
		alive, err := c.rdb.Exists(ctx, presenceKey(service, inst.InstanceID)).Result()
		if err != nil {
			return nil, fmt.Errorf("registry check presence: %w", err)
		}
		if alive == 0 {
			continue
		}
		out = append(out, inst)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedOnTS != out[j].UpdatedOnTS {
			return out[i].UpdatedOnTS > out[j].UpdatedOnTS
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out, nil
}

// GetNodes returns every known instance with its derived age.
func (c *RedisClient) GetNodes(ctx context.Context) ([]Instance, error) {
	nodes, err := c.rdb.HGetAll(ctx, nodesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("registry read nodes: %w", err)
	}

	now := time.Now().Unix()
	out := make([]Instance, 0, len(nodes))
	for _, raw := range nodes {
		var inst Instance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			continue
		}
		inst.Elapsed = now - inst.UpdatedOnTS
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// GetHealth returns the per-instance health snapshots still within TTL.
func (c *RedisClient) GetHealth(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any

	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, keyPrefix+":*:health", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("registry scan health: %w", err)
		}
		for _, key := range keys {
			raw, err := c.rdb.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("registry read health: %w", err)
			}
			var snap map[string]any
			if err := json.Unmarshal([]byte(raw), &snap); err != nil {
				continue
			}
			out = append(out, snap)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// ClearStaleNodes drops node entries whose presence has not been refreshed
// within maxAge.
func (c *RedisClient) ClearStaleNodes(ctx context.Context, maxAge time.Duration) (int, error) {
	nodes, err := c.rdb.HGetAll(ctx, nodesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("registry read nodes: %w", err)
	}

	cutoff := time.Now().Unix() - int64(maxAge.Seconds())
	var stale []string
	for id, raw := range nodes {
		var inst Instance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			stale = append(stale, id)
			continue
		}
		if inst.UpdatedOnTS < cutoff {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := c.rdb.HDel(ctx, nodesKey, stale...).Err(); err != nil {
		return 0, fmt.Errorf("registry clear nodes: %w", err)
	}
	return len(stale), nil
}

// SendBroadcast publishes a frame to every instance of the addressed service.
func (c *RedisClient) SendBroadcast(ctx context.Context, msg *umf.Message) error {
	route, err := umf.ParseRoute(msg.To)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("registry broadcast encode: %w", err)
	}
	if err := c.rdb.Publish(ctx, broadcastChannel(route.Service), data).Err(); err != nil {
		return fmt.Errorf("registry broadcast: %w", err)
	}
	return nil
}

// SendMessage publishes a frame to the single addressed instance. A
// missing instance part resolves to the first live instance in presence
// order.
func (c *RedisClient) SendMessage(ctx context.Context, msg *umf.Message) error {
	route, err := umf.ParseRoute(msg.To)
	if err != nil {
		return err
	}

	instance := route.Instance
	if instance == "" {
		present, err := c.GetServicePresence(ctx, route.Service)
		if err != nil {
			return err
		}
		if len(present) == 0 {
			return fmt.Errorf("no %s instances: %w", route.Service, ErrNoInstance)
		}
		instance = present[0].InstanceID
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("registry send encode: %w", err)
	}
	if err := c.rdb.Publish(ctx, directedChannel(route.Service, instance), data).Err(); err != nil {
		return fmt.Errorf("registry send: %w", err)
	}
	return nil
}

// MakeAPIRequest sends a frame and waits for the reply whose rmid matches
// the frame's mid. Timeouts and transport failures come back as *APIError.
func (c *RedisClient) MakeAPIRequest(ctx context.Context, msg *umf.Message, timeout time.Duration) (*umf.Message, error) {
	if msg.MID == "" {
		msg.MID = uuid.NewString()
	}

	replyCh := make(chan *umf.Message, 1)
	c.pendingMu.Lock()
	c.pending[msg.MID] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.MID)
		c.pendingMu.Unlock()
	}()

	if err := c.SendMessage(ctx, msg); err != nil {
		if errors.Is(err, ErrNoInstance) {
			return nil, &APIError{StatusCode: http.StatusServiceUnavailable, Reason: err.Error()}
		}
		return nil, &APIError{StatusCode: http.StatusInternalServerError, Reason: err.Error()}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, &APIError{StatusCode: http.StatusGatewayTimeout, Reason: "API request timed out"}
	case <-ctx.Done():
		return nil, &APIError{StatusCode: http.StatusServiceUnavailable, Reason: ctx.Err().Error()}
	}
}

// QueueMessage appends a frame to the addressed service's inbound queue.
func (c *RedisClient) QueueMessage(ctx context.Context, msg *umf.Message) error {
	route, err := umf.ParseRoute(msg.To)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("registry queue encode: %w", err)
	}
	if err := c.rdb.RPush(ctx, mqKey(route.Service), data).Err(); err != nil {
		return fmt.Errorf("registry queue: %w", err)
	}
	return nil
}

// Messages yields inbound frames not claimed as API replies.
func (c *RedisClient) Messages() <-chan *umf.Message {
	return c.messages
}

// Close stops the background loops and closes the inbound channel.
func (c *RedisClient) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	close(c.messages)
	return nil
}
