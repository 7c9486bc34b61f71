// Package forwarder implements the HTTP forwarding pipeline: inbound
// requests are wrapped into framed envelopes, handed to the registry's
// request/reply transport, and the reply is re-framed onto the client's
// response stream.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/hydra-mesh/hydra-router/internal/logging"
	"github.com/hydra-mesh/hydra-router/internal/registry"
	"github.com/hydra-mesh/hydra-router/internal/stats"
	"github.com/hydra-mesh/hydra-router/internal/umf"
)

// TracerHeader carries the per-request tracer id back to the caller.
const TracerHeader = "x-hydra-tracer"

// APICaller is the registry request/reply surface the forwarder consumes.
type APICaller interface {
	MakeAPIRequest(ctx context.Context, msg *umf.Message, timeout time.Duration) (*umf.Message, error)
}

// NewTracer returns a short random tracer id (12 hex chars).
func NewTracer() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Forwarder wraps HTTP requests into envelopes and re-frames replies.
type Forwarder struct {
	caller      APICaller
	stats       *stats.Collector
	issues      *logging.IssueLog
	serviceName string
	instanceID  string
	timeout     time.Duration
	cors        map[string]string
	debug       bool
}

// Options configures a Forwarder.
type Options struct {
	ServiceName string
	InstanceID  string
	Timeout     time.Duration
	CORS        map[string]string
	Debug       bool
}

// New creates a Forwarder over the given registry caller.
func New(caller APICaller, st *stats.Collector, issues *logging.IssueLog, opts Options) *Forwarder {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Forwarder{
		caller:      caller,
		stats:       st,
		issues:      issues,
		serviceName: opts.ServiceName,
		instanceID:  opts.InstanceID,
		timeout:     opts.Timeout,
		cors:        opts.CORS,
		debug:       opts.Debug,
	}
}

func (f *Forwarder) fromRoute() string {
	return f.instanceID + "@" + f.serviceName + ":/"
}

// WriteCORS applies the configured CORS headers to a response.
func (f *Forwarder) WriteCORS(h http.Header) {
	for k, v := range f.cors {
		h.Set(k, v)
	}
}

// Preflight answers an OPTIONS request without forwarding.
func (f *Forwarder) Preflight(w http.ResponseWriter) {
	f.WriteCORS(w.Header())
	w.WriteHeader(http.StatusNoContent)
}

// Forward wraps the request into an envelope addressed to the service,
// invokes the registry transport, and writes the re-framed reply.
// forwardedURL is the path (plus query) after any fallback stripping.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, service, forwardedURL string) {
	if r.Method == http.MethodOptions {
		f.Preflight(w)
		return
	}

	tracer := NewTracer()
	env := f.Envelope(r, service, forwardedURL, tracer)
	f.stats.Log("http:" + service)

	if f.debug {
		logging.Debug("Forwarding request",
			zap.String("service", service),
			zap.String("to", env.To),
			zap.String("tracer", tracer))
	}

	reply, err := f.caller.MakeAPIRequest(r.Context(), env, f.timeout)
	if err != nil {
		f.writeFailure(w, service, tracer, err)
		return
	}
	f.writeReply(w, r, service, tracer, reply)
}

// Envelope builds the outbound frame for a request.
func (f *Forwarder) Envelope(r *http.Request, service, forwardedURL, tracer string) *umf.Message {
	to := fmt.Sprintf("%s:[%s]%s", service, strings.ToLower(r.Method), forwardedURL)
	env := umf.New(to, f.fromRoute())
	env.MID = uuid.NewString() + "-" + tracer
	env.Timeout = int(f.timeout / time.Second)

	headers := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		key := strings.ToLower(name)
		switch key {
		case "accept-encoding", "content-encoding", "authorization":
			continue
		}
		headers[key] = strings.Join(values, ", ")
	}
	headers[TracerHeader] = tracer
	env.Headers = headers
	env.Authorization = r.Header.Get("authorization")

	env.Body = f.requestBody(r)
	return env
}

// requestBody reads and decodes the request body per its content type.
// A gzipped body is inflated first; inflation failure yields an empty body.
func (f *Forwarder) requestBody(r *http.Request) any {
	raw, err := io.ReadAll(r.Body)
	if err != nil || len(raw) == 0 {
		return map[string]any{}
	}

	if strings.Contains(r.Header.Get("content-encoding"), "gzip") {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err == nil {
			raw, err = io.ReadAll(zr)
			zr.Close()
		}
		if err != nil {
			logging.Warn("Request body inflate failed", zap.Error(err))
			return map[string]any{}
		}
	}

	contentType := r.Header.Get("content-type")
	switch {
	case strings.Contains(contentType, "json"):
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			logging.Warn("Request body JSON decode failed", zap.Error(err))
			return map[string]any{}
		}
		return decoded
	case strings.Contains(contentType, "application/x-www-form-urlencoded"):
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return map[string]any{}
		}
		form := make(map[string]any, len(values))
		for k, v := range values {
			if len(v) == 1 {
				form[k] = v[0]
			} else {
				form[k] = v
			}
		}
		return form
	default:
		return string(raw)
	}
}

// ReplyFrame runs the envelope-reply path for a framed message carrying a
// bracketed method tag: the frame is forwarded as an API request and the
// result comes back as a frame answering the original mid.
func (f *Forwarder) ReplyFrame(ctx context.Context, msg *umf.Message) *umf.Message {
	out := umf.New(msg.From, f.fromRoute())
	out.RMID = msg.MID

	reply, err := f.caller.MakeAPIRequest(ctx, msg, f.timeout)
	if err != nil {
		status, reason := errorShape(err)
		out.Body = map[string]any{
			"statusCode": status,
			"result":     map[string]any{"reason": reason},
		}
		return out
	}
	out.Body = reply.Body
	return out
}

// errorShape translates a transport failure into a status and reason.
func errorShape(err error) (int, string) {
	var apiErr *registry.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, apiErr.Reason
	}
	return http.StatusInternalServerError, err.Error()
}

func (f *Forwarder) writeFailure(w http.ResponseWriter, service, tracer string, err error) {
	status, reason := errorShape(err)
	f.stats.Log("error:" + service)
	f.issues.Append("fatal", fmt.Sprintf("%s request failed (%d): %s", service, status, reason))
	logging.Error("Forwarded request failed",
		zap.String("service", service),
		zap.Int("status", status),
		zap.String("reason", reason),
		zap.String("severity", "fatal"))

	f.WriteCORS(w.Header())
	w.Header().Set(TracerHeader, tracer)
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"statusCode": status,
		"result":     map[string]any{"reason": reason},
	})
}

// writeReply re-frames the registry reply onto the response stream.
func (f *Forwarder) writeReply(w http.ResponseWriter, r *http.Request, service, tracer string, reply *umf.Message) {
	body := reply.BodyMap()

	status := http.StatusOK
	if sc, ok := body["statusCode"].(float64); ok {
		status = int(sc)
	}
	f.recordStatus(service, status)

	f.WriteCORS(w.Header())
	w.Header().Set(TracerHeader, tracer)

	upstream, hasHeaders := body["headers"].(map[string]any)
	if !hasHeaders {
		// Normalized reply shape: no transport headers came back.
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(status)
		out := map[string]any{"statusCode": status}
		if result, ok := body["result"]; ok {
			out["result"] = result
		} else if reason, ok := body["reason"].(string); ok {
			out["result"] = map[string]any{"reason": reason}
		} else {
			out["result"] = body
		}
		json.NewEncoder(w).Encode(out)
		return
	}

	contentType := ""
	for k, v := range upstream {
		s, ok := v.(string)
		if !ok {
			continue
		}
		key := strings.ToLower(k)
		if key == "content-type" {
			contentType = s
		}
		if key == "content-length" || key == "content-encoding" {
			continue
		}
		w.Header().Set(k, s)
	}

	payload, _ := body["payload"].(string)
	if strings.Contains(contentType, "json") {
		var parsed any
		if err := json.Unmarshal([]byte(payload), &parsed); err == nil {
			delete(body, "payload")
			data, _ := json.Marshal(parsed)
			if strings.Contains(r.Header.Get("accept-encoding"), "gzip") {
				var buf bytes.Buffer
				zw := gzip.NewWriter(&buf)
				zw.Write(data)
				zw.Close()
				w.Header().Set("content-encoding", "gzip")
				data = buf.Bytes()
			}
			w.WriteHeader(status)
			w.Write(data)
			return
		}
	}

	w.WriteHeader(status)
	io.WriteString(w, payload)
}

// recordStatus bumps error stats and the issue log per the status class.
func (f *Forwarder) recordStatus(service string, status int) {
	if status <= 201 {
		return
	}
	f.stats.Log("error:" + service)
	switch {
	case status >= 500:
		f.issues.Append("fatal", fmt.Sprintf("%s upstream returned %d", service, status))
		logging.Error("Upstream failure",
			zap.String("service", service),
			zap.Int("status", status),
			zap.String("severity", "fatal"))
	case status >= 400:
		f.issues.Append("error", fmt.Sprintf("%s upstream returned %d", service, status))
		logging.Error("Upstream error",
			zap.String("service", service),
			zap.Int("status", status))
	}
}
