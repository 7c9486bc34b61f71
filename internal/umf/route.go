package umf

import (
	"errors"
	"fmt"
	"strings"
)

// Route is a parsed to/from/via/forward address:
//
//	[<instance>@]<service>[:[<method>]<apiRoute>]
//
// A missing instance means "any live instance". The instance part may carry
// a sub id after a dash (used by via tags to encode the originating client).
type Route struct {
	Instance   string
	SubID      string
	Service    string
	HTTPMethod string // lowercase verb from the bracketed tag, "" if none
	APIRoute   string
}

var errEmptyRoute = errors.New("umf: empty route")

// ParseRoute parses a route string per the grammar above.
func ParseRoute(route string) (Route, error) {
	if route == "" {
		return Route{}, errEmptyRoute
	}

	var r Route
	rest := route

	if at := strings.Index(rest, "@"); at != -1 {
		instance := rest[:at]
		rest = rest[at+1:]
		if dash := strings.Index(instance, "-"); dash != -1 {
			r.Instance = instance[:dash]
			r.SubID = instance[dash+1:]
		} else {
			r.Instance = instance
		}
	}

	if colon := strings.Index(rest, ":"); colon != -1 {
		r.Service = rest[:colon]
		api := rest[colon+1:]
		if strings.HasPrefix(api, "[") {
			end := strings.Index(api, "]")
			if end == -1 {
				return Route{}, fmt.Errorf("umf: unterminated method tag in route %q", route)
			}
			r.HTTPMethod = strings.ToLower(api[1:end])
			api = api[end+1:]
		}
		r.APIRoute = api
	} else {
		r.Service = rest
	}

	if r.Service == "" {
		return Route{}, fmt.Errorf("umf: route %q has no service name", route)
	}
	return r, nil
}

// String reassembles the route. The method tag is re-emitted only when an
// api route is present.
func (r Route) String() string {
	var b strings.Builder
	if r.Instance != "" {
		b.WriteString(r.Instance)
		if r.SubID != "" {
			b.WriteString("-")
			b.WriteString(r.SubID)
		}
		b.WriteString("@")
	}
	b.WriteString(r.Service)
	if r.APIRoute != "" || r.HTTPMethod != "" {
		b.WriteString(":")
		if r.HTTPMethod != "" {
			b.WriteString("[")
			b.WriteString(r.HTTPMethod)
			b.WriteString("]")
		}
		b.WriteString(r.APIRoute)
	}
	return b.String()
}
