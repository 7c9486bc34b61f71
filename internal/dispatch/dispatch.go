// Package dispatch routes framed messages arriving from the two inbound
// surfaces: persistent client connections and the registry broadcast
// channel. It owns the message-level semantics; transport is delegated to
// the registry client, the forwarder, and the offline queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hydra-mesh/hydra-router/internal/clients"
	"github.com/hydra-mesh/hydra-router/internal/forwarder"
	"github.com/hydra-mesh/hydra-router/internal/logging"
	"github.com/hydra-mesh/hydra-router/internal/queue"
	"github.com/hydra-mesh/hydra-router/internal/registry"
	"github.com/hydra-mesh/hydra-router/internal/stats"
	"github.com/hydra-mesh/hydra-router/internal/umf"
)

// ErrDisconnect tells the read loop to drop the connection after the
// current frame (invalid frame or failed signature check).
var ErrDisconnect = errors.New("dispatch: connection must be closed")

// Transport is the registry surface the dispatcher consumes.
type Transport interface {
	SendMessage(ctx context.Context, msg *umf.Message) error
	GetServicePresence(ctx context.Context, service string) ([]registry.Instance, error)
}

// RouteRefresher applies broadcast-triggered route refreshes.
type RouteRefresher interface {
	Refresh(ctx context.Context, service string) error
}

// AdminFunc dispatches a bracketed-method frame addressed to the gateway
// itself and returns the reply frame.
type AdminFunc func(ctx context.Context, msg *umf.Message) *umf.Message

// Options configures a Dispatcher.
type Options struct {
	ServiceName           string
	InstanceID            string
	ForceMessageSignature bool
	SignatureSharedSecret string
	Debug                 bool
}

// Dispatcher implements the framed-message routing policy.
type Dispatcher struct {
	opts    Options
	clients *clients.Registry
	queue   *queue.Queue
	reg     Transport
	fwd     *forwarder.Forwarder
	table   RouteRefresher
	stats   *stats.Collector
	issues  *logging.IssueLog
	admin   AdminFunc
}

// New creates a Dispatcher.
func New(cr *clients.Registry, q *queue.Queue, reg Transport, fwd *forwarder.Forwarder,
	table RouteRefresher, st *stats.Collector, issues *logging.IssueLog, admin AdminFunc, opts Options) *Dispatcher {
	return &Dispatcher{
		opts:    opts,
		clients: cr,
		queue:   q,
		reg:     reg,
		fwd:     fwd,
		table:   table,
		stats:   st,
		issues:  issues,
		admin:   admin,
	}
}

func (d *Dispatcher) selfRoute() string {
	return d.opts.InstanceID + "@" + d.opts.ServiceName + ":/"
}

// sendError emits an error frame back over the client connection.
func (d *Dispatcher) sendError(c *clients.Client, inReplyTo *umf.Message, text string) {
	out := umf.New(inReplyTo.From, d.selfRoute())
	if out.To == "" {
		out.To = c.ID() + "@client:/"
	}
	out.RMID = inReplyTo.MID
	out.Type = "error"
	out.Body = map[string]any{"error": text}
	if err := c.Send(out); err != nil {
		logging.Warn("Error frame send failed", zap.String("clientID", c.ID()), zap.Error(err))
	}
}

// HandleClient processes one frame read from a persistent connection.
// A returned ErrDisconnect means the connection must be closed.
func (d *Dispatcher) HandleClient(ctx context.Context, c *clients.Client, msg *umf.Message) error {
	if err := msg.Validate(); err != nil {
		d.sendError(c, msg, err.Error())
		return ErrDisconnect
	}

	if d.opts.ForceMessageSignature && !msg.Verify(d.opts.SignatureSharedSecret) {
		d.sendError(c, msg, "Not a signed UMF message")
		return ErrDisconnect
	}

	route, err := umf.ParseRoute(msg.To)
	if err != nil {
		d.sendError(c, msg, "Invalid route: "+err.Error())
		return ErrDisconnect
	}
	d.stats.Log("ws:" + route.Service)

	if d.opts.Debug {
		logging.Debug("Dispatching client frame",
			zap.String("clientID", c.ID()),
			zap.String("to", msg.To),
			zap.String("type", msg.Type))
	}

	if route.HTTPMethod != "" {
		d.handleBracketed(ctx, c, msg, route)
		return nil
	}

	if route.Service == d.opts.ServiceName {
		d.handleSelf(ctx, c, msg, route)
		return nil
	}

	if msg.Forward != "" {
		d.forward(ctx, msg)
		return nil
	}

	d.dispatchToService(ctx, c, msg, route)
	return nil
}

// handleBracketed routes a method-tagged frame: locally to the admin
// surface when it targets the gateway, otherwise through the forwarder in
// envelope-reply mode.
func (d *Dispatcher) handleBracketed(ctx context.Context, c *clients.Client, msg *umf.Message, route umf.Route) {
	if route.Service == d.opts.ServiceName {
		if reply := d.admin(ctx, msg); reply != nil {
			if err := c.Send(reply); err != nil {
				logging.Warn("Admin reply send failed", zap.String("clientID", c.ID()), zap.Error(err))
			}
		}
		return
	}

	reply := d.fwd.ReplyFrame(ctx, msg)
	if err := c.Send(reply); err != nil {
		logging.Warn("Envelope reply send failed", zap.String("clientID", c.ID()), zap.Error(err))
	}
}

// handleSelf processes gateway-addressed frame types.
func (d *Dispatcher) handleSelf(ctx context.Context, c *clients.Client, msg *umf.Message, route umf.Route) {
	switch msg.Type {
	case "log":
		data, err := json.Marshal(msg.Body)
		if err != nil {
			return
		}
		d.issues.Append("info", string(data))

	case "ping":
		pong := umf.New(msg.From, d.selfRoute())
		pong.RMID = msg.MID
		pong.Type = "pong"
		pong.Body = map[string]any{}
		if err := c.Send(pong); err != nil {
			logging.Warn("Pong send failed", zap.String("clientID", c.ID()), zap.Error(err))
		}

	case "reconnect":
		claimed := msg.BodyString("id")
		if claimed == "" {
			d.sendError(c, msg, "Missing id in reconnect body")
			return
		}
		d.clients.Rebind(ctx, c, claimed)
		d.drainQueue(ctx, c, claimed)

	case "wsdir.loc":
		// Directory location queries carry a wsdir api route.
		if !strings.Contains(route.APIRoute, "wsdir") {
			return
		}
		clientID := msg.BodyString("clientID")
		routerID, _ := d.clients.Locate(clientID)
		reply := umf.New(msg.From, d.selfRoute())
		reply.RMID = msg.MID
		reply.Type = "wsdir.loc"
		reply.Body = map[string]any{"routerID": routerID, "clientID": clientID}
		if err := c.Send(reply); err != nil {
			logging.Warn("Directory reply send failed", zap.String("clientID", c.ID()), zap.Error(err))
		}

	default:
		logging.Debug("Dropping unhandled gateway frame", zap.String("type", msg.Type))
	}
}

// drainQueue delivers parked messages in enqueue order, completing each
// after a successful send. Delivery stops if the connection dies; entries
// already moved to processing are not re-drained.
func (d *Dispatcher) drainQueue(ctx context.Context, c *clients.Client, id string) {
	for c.Alive() {
		msg, raw, err := d.queue.Dequeue(ctx, id)
		if err != nil {
			logging.Error("Offline queue drain failed", zap.String("clientID", id), zap.Error(err))
			return
		}
		if msg == nil {
			return
		}
		if err := c.Send(msg); err != nil {
			logging.Warn("Offline delivery failed", zap.String("clientID", id), zap.Error(err))
			return
		}
		if err := d.queue.Complete(ctx, id, raw); err != nil {
			logging.Warn("Offline complete failed", zap.String("clientID", id), zap.Error(err))
		}
	}
}

// forward delivers a frame to the client named in its forward field:
// locally when connected here, relayed to the owning replica when the
// directory knows one, otherwise parked in the offline queue.
func (d *Dispatcher) forward(ctx context.Context, msg *umf.Message) {
	route, err := umf.ParseRoute(msg.Forward)
	if err != nil {
		logging.Warn("Invalid forward route", zap.String("forward", msg.Forward), zap.Error(err))
		return
	}
	clientID := route.Instance

	if c, ok := d.clients.Get(clientID); ok && c.Alive() {
		if err := c.Send(msg); err != nil {
			logging.Warn("Forward delivery failed", zap.String("clientID", clientID), zap.Error(err))
		}
		return
	}

	if routerID, ok := d.clients.Locate(clientID); ok && routerID != d.opts.InstanceID {
		relay := *msg
		relay.To = routerID + "@" + d.opts.ServiceName + ":/"
		if err := d.reg.SendMessage(ctx, &relay); err != nil {
			logging.Error("Forward relay failed",
				zap.String("clientID", clientID),
				zap.String("routerID", routerID),
				zap.Error(err))
		}
		return
	}

	if err := d.queue.Enqueue(ctx, clientID, msg); err != nil {
		logging.Error("Offline enqueue failed", zap.String("clientID", clientID), zap.Error(err))
	}
}

// dispatchToService sends a client frame on to a service instance,
// annotating via so the reply can be correlated back to the client.
func (d *Dispatcher) dispatchToService(ctx context.Context, c *clients.Client, msg *umf.Message, route umf.Route) {
	msg.Via = d.opts.InstanceID + "-" + c.ID() + "@" + d.opts.ServiceName + ":/"

	if route.Instance != "" {
		if err := d.reg.SendMessage(ctx, msg); err != nil {
			d.stats.Log("error:" + route.Service)
			d.sendError(c, msg, fmt.Sprintf("Send to %s failed", route.Service))
		}
		return
	}

	instances, err := d.reg.GetServicePresence(ctx, route.Service)
	if err != nil || len(instances) == 0 {
		d.stats.Log("error:" + route.Service)
		d.sendError(c, msg, fmt.Sprintf("No %s instances available", route.Service))
		return
	}

	route.Instance = instances[0].InstanceID
	msg.To = route.String()
	if err := d.reg.SendMessage(ctx, msg); err != nil {
		d.stats.Log("error:" + route.Service)
		d.sendError(c, msg, fmt.Sprintf("Send to %s failed", route.Service))
	}
}

// HandleBroadcast processes one frame from the registry broadcast channel.
func (d *Dispatcher) HandleBroadcast(ctx context.Context, msg *umf.Message) {
	if d.opts.Debug {
		logging.Debug("Dispatching broadcast frame",
			zap.String("type", msg.Type), zap.String("to", msg.To))
	}

	if msg.BodyString("action") == "refresh" {
		service := msg.BodyString("serviceName")
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.table.Refresh(ctx, service); err != nil {
			logging.Error("Broadcast route refresh failed", zap.String("service", service), zap.Error(err))
		}
		return
	}

	if d.handleGossip(ctx, msg) {
		return
	}

	if msg.Via != "" {
		d.deliverVia(ctx, msg)
		return
	}

	if msg.Forward != "" {
		d.forward(ctx, msg)
	}
}

// handleGossip applies a directory-gossip frame. Gossip about this
// replica's own clients is ignored; the local table is authoritative.
func (d *Dispatcher) handleGossip(ctx context.Context, msg *umf.Message) bool {
	switch msg.Type {
	case "wsdir.add", "wsdir.del", "wsdir.rem", "wsdir.sha", "wsdir.dir":
	default:
		return false
	}

	routerID := msg.BodyString("routerID")
	if routerID == "" || routerID == d.opts.InstanceID {
		return true
	}

	switch msg.Type {
	case "wsdir.add":
		d.clients.DirectoryAdd(routerID, msg.BodyString("clientID"))
	case "wsdir.del":
		d.clients.DirectoryDel(routerID, msg.BodyString("clientID"))
	case "wsdir.rem":
		d.clients.DirectoryDrop(routerID)
	case "wsdir.sha":
		d.clients.ShareDirectory(ctx, routerID)
	case "wsdir.dir":
		ids := stringSlice(msg.BodyMap()["clientIDs"])
		d.clients.DirectoryReplace(routerID, ids)
	}
	return true
}

// deliverVia hands a service reply to the client encoded in the via tag's
// sub id, or parks it when the client is gone.
func (d *Dispatcher) deliverVia(ctx context.Context, msg *umf.Message) {
	route, err := umf.ParseRoute(msg.Via)
	if err != nil || route.SubID == "" {
		logging.Warn("Invalid via route", zap.String("via", msg.Via))
		return
	}
	clientID := route.SubID

	if c, ok := d.clients.Get(clientID); ok && c.Alive() {
		out := *msg
		out.Via = ""
		if err := c.Send(&out); err != nil {
			logging.Warn("Via delivery failed", zap.String("clientID", clientID), zap.Error(err))
		}
		return
	}

	if err := d.queue.Enqueue(ctx, clientID, msg); err != nil {
		logging.Error("Offline enqueue failed", zap.String("clientID", clientID), zap.Error(err))
	}
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
