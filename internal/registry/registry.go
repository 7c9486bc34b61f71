// Package registry is the thin capability adapter over the external
// discovery registry the gateway fronts. The registry owns presence,
// health, route announcements, and the broadcast channel; this package
// exposes exactly those capabilities and nothing more.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hydra-mesh/hydra-router/internal/umf"
)

// Instance is one live service instance as recorded in the registry.
type Instance struct {
	ServiceName string `json:"serviceName"`
	InstanceID  string `json:"instanceID"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Version     string `json:"version"`
	HostName    string `json:"hostName,omitempty"`
	UpdatedOnTS int64  `json:"updatedOnTS"`
	Elapsed     int64  `json:"elapsed"` // seconds since the last presence refresh, derived on read
}

// Client is the registry capability surface the gateway consumes.
type Client interface {
	// RegisterService publishes this process's service record and first
	// presence entry.
	RegisterService(ctx context.Context) error

	// AnnounceRoutes replaces this service's registered route list.
	AnnounceRoutes(ctx context.Context, routes []string) error

	// GetAllRoutes returns the registered routes of every service.
	GetAllRoutes(ctx context.Context) (map[string][]string, error)

	// GetServiceRoutes returns one service's registered routes.
	GetServiceRoutes(ctx context.Context, service string) ([]string, error)

	// GetServicePresence returns the live instances of a service, most
	// recently refreshed first.
	GetServicePresence(ctx context.Context, service string) ([]Instance, error)

	// GetNodes returns every known instance with its derived elapsed age.
	GetNodes(ctx context.Context) ([]Instance, error)

	// GetHealth returns the per-instance health snapshots.
	GetHealth(ctx context.Context) ([]map[string]any, error)

	// ClearStaleNodes removes node entries older than maxAge and returns
	// how many were removed.
	ClearStaleNodes(ctx context.Context, maxAge time.Duration) (int, error)

	// SendBroadcast publishes a frame to every instance of the service
	// addressed in msg.To.
	SendBroadcast(ctx context.Context, msg *umf.Message) error

	// SendMessage publishes a frame to the single instance addressed in
	// msg.To, resolving "any instance" through presence.
	SendMessage(ctx context.Context, msg *umf.Message) error

	// MakeAPIRequest sends a frame and waits for the reply whose rmid
	// matches, up to the timeout.
	MakeAPIRequest(ctx context.Context, msg *umf.Message, timeout time.Duration) (*umf.Message, error)

	// QueueMessage appends a frame to the addressed service's inbound
	// store-and-forward queue.
	QueueMessage(ctx context.Context, msg *umf.Message) error

	// Messages yields inbound frames from the broadcast and directed
	// channels, minus replies claimed by MakeAPIRequest.
	Messages() <-chan *umf.Message

	ServiceName() string
	InstanceID() string

	Close() error
}

// ErrNoInstance is returned when a service has zero live instances.
var ErrNoInstance = errors.New("registry: no instances available")

// APIError is the registry-supplied failure shape for MakeAPIRequest:
// a transport-level status code plus a reason string.
type APIError struct {
	StatusCode int
	Reason     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry: api request failed (%d): %s", e.StatusCode, e.Reason)
}
