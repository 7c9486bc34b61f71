// Package clients tracks the persistent client connections owned by this
// gateway replica, and the replicated directory of which replica owns
// which client id across the cluster.
package clients

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hydra-mesh/hydra-router/internal/logging"
	"github.com/hydra-mesh/hydra-router/internal/umf"
)

// Conn is the write surface of a persistent connection. *websocket.Conn
// satisfies it; tests supply fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Broadcaster publishes directory-gossip frames to the other replicas.
type Broadcaster interface {
	SendBroadcast(ctx context.Context, msg *umf.Message) error
}

// NewClientID returns a short opaque client id (dashless, 12 chars).
func NewClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Client is one live connection with its stable client id. Writes are
// serialized through a mutex; gorilla connections allow one writer at a time.
type Client struct {
	mu     sync.Mutex
	id     string
	conn   Conn
	ip     string
	closed bool
}

// ID returns the client's current id.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// IP returns the detected source IP.
func (c *Client) IP() string { return c.ip }

// Alive reports whether the connection has been closed.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Send writes a frame to the connection in the short wire form.
func (c *Client) Send(msg *umf.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}

// Registry holds this replica's local client table and the gossiped global
// directory mapping replica id to the set of client ids it owns.
type Registry struct {
	selfID      string
	serviceName string
	broadcaster Broadcaster

	mu    sync.RWMutex
	local map[string]*Client
	dir   map[string]map[string]bool
}

// NewRegistry creates an empty registry for this replica.
func NewRegistry(selfID, serviceName string, b Broadcaster) *Registry {
	return &Registry{
		selfID:      selfID,
		serviceName: serviceName,
		broadcaster: b,
		local:       make(map[string]*Client),
		dir:         make(map[string]map[string]bool),
	}
}

// SelfID returns this replica's id.
func (r *Registry) SelfID() string { return r.selfID }

// Add registers a newly opened connection: assigns a client id, gossips
// wsdir.add, and sends the welcome frame carrying the id and source IP.
func (r *Registry) Add(ctx context.Context, conn Conn, ip string) *Client {
	c := &Client{id: NewClientID(), conn: conn, ip: ip}

	r.mu.Lock()
	r.local[c.id] = c
	r.mu.Unlock()

	r.gossip(ctx, "wsdir.add", map[string]any{"routerID": r.selfID, "clientID": c.id})

	welcome := umf.New(c.id+"@client:/", r.selfID+"@"+r.serviceName+":/")
	welcome.Type = "connection"
	welcome.Body = map[string]any{"id": c.id, "ip": ip}
	if err := c.Send(welcome); err != nil {
		logging.Warn("Welcome frame failed", zap.String("clientID", c.id), zap.Error(err))
	}
	return c
}

// Rebind moves a connection onto a previously-assigned client id (the
// reconnect handshake) and gossips the del/add pair.
func (r *Registry) Rebind(ctx context.Context, c *Client, claimedID string) {
	c.mu.Lock()
	oldID := c.id
	c.id = claimedID
	c.mu.Unlock()

	r.mu.Lock()
	delete(r.local, oldID)
	r.local[claimedID] = c
	r.mu.Unlock()

	r.gossip(ctx, "wsdir.del", map[string]any{"routerID": r.selfID, "clientID": oldID})
	r.gossip(ctx, "wsdir.add", map[string]any{"routerID": r.selfID, "clientID": claimedID})
}

// Remove drops a closed connection and gossips wsdir.del. The entry is
// removed only if it still points at this client (a reconnect may have
// rebound the id).
func (r *Registry) Remove(ctx context.Context, c *Client) {
	id := c.ID()

	r.mu.Lock()
	if current, ok := r.local[id]; ok && current == c {
		delete(r.local, id)
	}
	r.mu.Unlock()

	r.gossip(ctx, "wsdir.del", map[string]any{"routerID": r.selfID, "clientID": id})
}

// Get returns the locally connected client with the given id.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.local[id]
	return c, ok
}

// LocalIDs returns the ids of clients connected to this replica.
func (r *Registry) LocalIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.local))
	for id := range r.local {
		out = append(out, id)
	}
	return out
}

// DirectoryAdd marks a client id as owned by a replica.
func (r *Registry) DirectoryAdd(routerID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.dir[routerID]
	if !ok {
		set = make(map[string]bool)
		r.dir[routerID] = set
	}
	set[clientID] = true
}

// DirectoryDel removes a client id from a replica's set.
func (r *Registry) DirectoryDel(routerID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.dir[routerID]; ok {
		delete(set, clientID)
	}
}

// DirectoryDrop removes a replica's entire set.
func (r *Registry) DirectoryDrop(routerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dir, routerID)
}

// DirectoryReplace adopts a replica's authoritative set wholesale.
func (r *Registry) DirectoryReplace(routerID string, clientIDs []string) {
	set := make(map[string]bool, len(clientIDs))
	for _, id := range clientIDs {
		set[id] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dir[routerID] = set
}

// Locate returns the replica currently owning a client id. This replica's
// own clients resolve to selfID without consulting the gossiped state.
func (r *Registry) Locate(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.local[clientID]; ok {
		return r.selfID, true
	}
	for routerID, set := range r.dir {
		if set[clientID] {
			return routerID, true
		}
	}
	return "", false
}

// Directory returns a copy of the global directory for the admin surface.
func (r *Registry) Directory() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.dir)+1)
	for routerID, set := range r.dir {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		out[routerID] = ids
	}
	local := make([]string, 0, len(r.local))
	for id := range r.local {
		local = append(local, id)
	}
	out[r.selfID] = local
	return out
}

// AnnounceStartup asks the other replicas to share their directories.
func (r *Registry) AnnounceStartup(ctx context.Context) {
	r.gossip(ctx, "wsdir.sha", map[string]any{"routerID": r.selfID})
}

// AnnounceShutdown tells the other replicas to prune this replica's set.
func (r *Registry) AnnounceShutdown(ctx context.Context) {
	r.gossip(ctx, "wsdir.rem", map[string]any{"routerID": r.selfID})
}

// ShareDirectory replies to a wsdir.sha request with this replica's local
// directory, addressed to the requesting replica.
func (r *Registry) ShareDirectory(ctx context.Context, toRouterID string) {
	msg := umf.New(toRouterID+"@"+r.serviceName+":/wsdir", r.selfID+"@"+r.serviceName+":/")
	msg.Type = "wsdir.dir"
	msg.Body = map[string]any{
		"routerID":  r.selfID,
		"clientIDs": r.LocalIDs(),
	}
	if err := r.broadcaster.SendBroadcast(ctx, msg); err != nil {
		logging.Warn("Directory share failed", zap.Error(err))
	}
}

func (r *Registry) gossip(ctx context.Context, typ string, body map[string]any) {
	msg := umf.New(r.serviceName+":/wsdir", r.selfID+"@"+r.serviceName+":/")
	msg.Type = typ
	msg.Body = body
	if err := r.broadcaster.SendBroadcast(ctx, msg); err != nil {
		logging.Warn("Directory gossip failed", zap.String("type", typ), zap.Error(err))
	}
}

// ClientIP detects a request's source IP: x-forwarded-for first, then the
// socket remote address, then "unknown".
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("x-forwarded-for"); fwd != "" {
		if comma := strings.Index(fwd, ","); comma != -1 {
			return strings.TrimSpace(fwd[:comma])
		}
		return strings.TrimSpace(fwd)
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}
