// Package admin implements the gateway-owned HTTP surface: the dashboard,
// introspection endpoints, and the message injection endpoints. The same
// operations are reachable over the persistent channel via Dispatch.
package admin

import (
	"context"
	"embed"
	"encoding/json"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hydra-mesh/hydra-router/internal/clients"
	"github.com/hydra-mesh/hydra-router/internal/logging"
	"github.com/hydra-mesh/hydra-router/internal/registry"
	"github.com/hydra-mesh/hydra-router/internal/router"
	"github.com/hydra-mesh/hydra-router/internal/stats"
	"github.com/hydra-mesh/hydra-router/internal/umf"
)

//go:embed static
var staticFS embed.FS

// staleAfter is the presence age beyond which the clear endpoint removes
// a node entry.
const staleAfter = 5 * time.Second

// assetSuffixes stay reachable even when the router endpoint is disabled.
var assetSuffixes = []string{".css", ".js", ".ttf", ".woff", ".woff2"}

// Registry is the registry surface the admin endpoints consume.
type Registry interface {
	GetHealth(ctx context.Context) ([]map[string]any, error)
	GetNodes(ctx context.Context) ([]registry.Instance, error)
	ClearStaleNodes(ctx context.Context, maxAge time.Duration) (int, error)
	SendMessage(ctx context.Context, msg *umf.Message) error
	QueueMessage(ctx context.Context, msg *umf.Message) error
	MakeAPIRequest(ctx context.Context, msg *umf.Message, timeout time.Duration) (*umf.Message, error)
}

// Options configures a Surface.
type Options struct {
	ServiceName           string
	InstanceID            string
	Version               string
	RouterToken           string
	DisableRouterEndpoint bool
	RequestTimeout        time.Duration
}

// Surface serves the gateway's own routes.
type Surface struct {
	opts    Options
	reg     Registry
	table   *router.Table
	clients *clients.Registry
	stats   *stats.Collector
	issues  *logging.IssueLog
}

// New creates a Surface.
func New(reg Registry, table *router.Table, cr *clients.Registry,
	st *stats.Collector, issues *logging.IssueLog, opts Options) *Surface {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	return &Surface{opts: opts, reg: reg, table: table, clients: cr, stats: st, issues: issues}
}

// Routes returns the patterns the gateway announces for itself.
func (s *Surface) Routes() []string {
	return []string{
		"[get]/",
		"[get]/index.css",
		"[get]/index.js",
		"[get]/v1/router/health",
		"[get]/v1/router/version",
		"[get]/v1/router/list/:thing",
		"[get]/v1/router/clear",
		"[get]/v1/router/refresh",
		"[get]/v1/router/refresh/:service",
		"[get]/v1/router/log",
		"[get]/v1/router/stats",
		"[post]/v1/router/message",
		"[post]/v1/router/send",
		"[post]/v1/router/queue",
	}
}

// Handles reports whether the path belongs to the admin surface: the
// dashboard root, the /v1/router tree, and the embedded assets. Asset
// paths owned by forwarded services stay with the route table.
func (s *Surface) Handles(path string) bool {
	if path == "/" || path == "/v1/router" || strings.HasPrefix(path, "/v1/router/") {
		return true
	}
	return s.ownAsset(path)
}

// ownAsset reports whether the path names a file in the embedded
// dashboard bundle.
func (s *Surface) ownAsset(path string) bool {
	if !isAsset(path) {
		return false
	}
	_, err := fs.Stat(staticFS, "static"+path)
	return err == nil
}

func isAsset(path string) bool {
	for _, suffix := range assetSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// authorized applies the admin access policy: a disabled endpoint exposes
// only static assets; a configured token must match exactly except for
// localhost callers.
func (s *Surface) authorized(r *http.Request) bool {
	if s.opts.DisableRouterEndpoint {
		return isAsset(r.URL.Path)
	}
	if s.opts.RouterToken == "" {
		return true
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return true
		}
	}
	token := r.URL.Query().Get("token")
	if _, err := uuid.Parse(token); err != nil {
		return false
	}
	return token == s.opts.RouterToken
}

// ServeHTTP serves an admin request.
func (s *Surface) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.NotFound(w, r)
		return
	}

	path := r.URL.Path
	if path == "/" || s.ownAsset(path) {
		s.serveStatic(w, r, path)
		return
	}

	var body []byte
	if r.Method == http.MethodPost && r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}

	status, result := s.handle(r.Context(), strings.ToLower(r.Method), path, r.URL.Query(), body)
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, result any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"statusCode": status,
		"result":     result,
	})
}

func (s *Surface) serveStatic(w http.ResponseWriter, r *http.Request, path string) {
	if path == "/" {
		path = "/index.html"
	}
	data, err := staticFS.ReadFile("static" + path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	switch {
	case strings.HasSuffix(path, ".html"):
		w.Header().Set("content-type", "text/html; charset=utf-8")
	case strings.HasSuffix(path, ".css"):
		w.Header().Set("content-type", "text/css; charset=utf-8")
	case strings.HasSuffix(path, ".js"):
		w.Header().Set("content-type", "application/javascript; charset=utf-8")
	}
	w.Write(data)
}

// handle runs one admin operation and returns the status and result
// payload. Both the HTTP surface and the framed surface funnel here.
func (s *Surface) handle(ctx context.Context, method, path string, query url.Values, body []byte) (int, any) {
	switch {
	case method == "get" && path == "/v1/router/health":
		health, err := s.reg.GetHealth(ctx)
		if err != nil {
			return http.StatusInternalServerError, map[string]any{"reason": err.Error()}
		}
		return http.StatusOK, health

	case method == "get" && path == "/v1/router/version":
		return http.StatusOK, map[string]any{"version": s.opts.Version}

	case method == "get" && strings.HasPrefix(path, "/v1/router/list/"):
		return s.handleList(ctx, strings.TrimPrefix(path, "/v1/router/list/"))

	case method == "get" && path == "/v1/router/clear":
		removed, err := s.reg.ClearStaleNodes(ctx, staleAfter)
		if err != nil {
			return http.StatusInternalServerError, map[string]any{"reason": err.Error()}
		}
		return http.StatusOK, map[string]any{"removed": removed}

	case method == "get" && (path == "/v1/router/refresh" || strings.HasPrefix(path, "/v1/router/refresh/")):
		service := strings.TrimPrefix(path, "/v1/router/refresh")
		service = strings.TrimPrefix(service, "/")
		if err := s.table.Refresh(ctx, service); err != nil {
			return http.StatusInternalServerError, map[string]any{"reason": err.Error()}
		}
		return http.StatusOK, map[string]any{"refreshed": true}

	case method == "get" && path == "/v1/router/log":
		return http.StatusOK, s.issues.Entries()

	case method == "get" && path == "/v1/router/stats":
		return http.StatusOK, s.stats.All()

	case method == "post" && path == "/v1/router/message":
		return s.handleMessage(ctx, body)

	case method == "post" && path == "/v1/router/send":
		return s.handleSend(ctx, body)

	case method == "post" && path == "/v1/router/queue":
		return s.handleQueue(ctx, body)
	}

	return http.StatusNotFound, map[string]any{"reason": "No such route"}
}

func (s *Surface) handleList(ctx context.Context, thing string) (int, any) {
	switch thing {
	case "routes":
		return http.StatusOK, s.table.Routes()
	case "services":
		nodes, err := s.reg.GetNodes(ctx)
		if err != nil {
			return http.StatusInternalServerError, map[string]any{"reason": err.Error()}
		}
		services := make(map[string]int)
		for _, n := range nodes {
			services[n.ServiceName]++
		}
		return http.StatusOK, services
	case "nodes":
		nodes, err := s.reg.GetNodes(ctx)
		if err != nil {
			return http.StatusInternalServerError, map[string]any{"reason": err.Error()}
		}
		return http.StatusOK, nodes
	case "wsdir":
		return http.StatusOK, s.clients.Directory()
	}
	return http.StatusNotFound, map[string]any{"reason": "No such list"}
}

// handleMessage forwards a framed message synchronously to its forward
// target and replies with the upstream result.
func (s *Surface) handleMessage(ctx context.Context, body []byte) (int, any) {
	msg, err := umf.Unmarshal(body)
	if err != nil {
		return http.StatusBadRequest, map[string]any{"reason": "Invalid message"}
	}
	if msg.Forward == "" {
		return http.StatusBadRequest, map[string]any{"reason": "Missing forward field"}
	}

	env := *msg
	env.To = msg.Forward
	env.Forward = ""
	reply, err := s.reg.MakeAPIRequest(ctx, &env, s.opts.RequestTimeout)
	if err != nil {
		logging.Error("Admin message forward failed", zap.Error(err))
		return http.StatusServiceUnavailable, map[string]any{"reason": err.Error()}
	}
	return http.StatusOK, reply.Body
}

// handleSend fires a framed message through the registry without waiting.
func (s *Surface) handleSend(ctx context.Context, body []byte) (int, any) {
	msg, err := umf.Unmarshal(body)
	if err != nil || msg.Validate() != nil {
		return http.StatusBadRequest, map[string]any{"reason": "Invalid message"}
	}
	if err := s.reg.SendMessage(ctx, msg); err != nil {
		return http.StatusServiceUnavailable, map[string]any{"reason": err.Error()}
	}
	return http.StatusOK, map[string]any{"mid": msg.MID}
}

// handleQueue appends a framed message to the addressed service's queue.
func (s *Surface) handleQueue(ctx context.Context, body []byte) (int, any) {
	msg, err := umf.Unmarshal(body)
	if err != nil || msg.Validate() != nil {
		return http.StatusBadRequest, map[string]any{"reason": "Invalid message"}
	}
	if err := s.reg.QueueMessage(ctx, msg); err != nil {
		return http.StatusServiceUnavailable, map[string]any{"reason": err.Error()}
	}
	return http.StatusOK, map[string]any{"mid": msg.MID}
}

// Dispatch runs an admin operation arriving as a bracketed-method frame
// over the persistent channel, returning the reply frame.
func (s *Surface) Dispatch(ctx context.Context, msg *umf.Message) *umf.Message {
	reply := umf.New(msg.From, s.opts.InstanceID+"@"+s.opts.ServiceName+":/")
	reply.RMID = msg.MID

	route, err := umf.ParseRoute(msg.To)
	if err != nil {
		reply.Body = map[string]any{"statusCode": http.StatusBadRequest, "result": map[string]any{"reason": "Invalid route"}}
		return reply
	}

	path := route.APIRoute
	query := url.Values{}
	if q := strings.Index(path, "?"); q != -1 {
		if parsed, err := url.ParseQuery(path[q+1:]); err == nil {
			query = parsed
		}
		path = path[:q]
	}

	var body []byte
	if msg.Body != nil {
		body, _ = json.Marshal(msg.Body)
	}

	status, result := s.handle(ctx, route.HTTPMethod, path, query, body)
	reply.Body = map[string]any{"statusCode": status, "result": result}
	return reply
}
