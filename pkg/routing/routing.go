// Package routing defines the endpoint and reliability lookup contract the
// workflow engine depends on.
//
// The authoritative source of routing data is the Spine Route Lookup service
// (an LDAP-backed directory, external to this module). The workflow only
// needs the [RouteResolver] interface; [StaticResolver] provides a
// config-driven implementation for point-to-point deployments and tests.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrRouteNotFound is returned when no route exists for a service/org pair
	ErrRouteNotFound = errors.New("route not found")
)

// EndpointInfo is the destination metadata for one service at one
// organisation. Fetched fresh per outbound attempt, never cached by the
// workflow.
type EndpointInfo struct {
	URL      string
	PartyKey string
	CPAID    string
}

// ReliabilityInfo holds the per-service reliability contract. Interval and
// duration values arrive as ISO-8601 duration strings and are converted by
// the workflow with [ParseISODuration].
type ReliabilityInfo struct {
	Retries         int
	RetryInterval   string
	PersistDuration string
}

// RouteResolver resolves a service id and organisation code to endpoint and
// reliability metadata. Any failure is fatal for the current outbound
// attempt: the workflow does not retry the lookup itself.
type RouteResolver interface {
	Endpoint(ctx context.Context, serviceID, orgCode string) (*EndpointInfo, error)
	Reliability(ctx context.Context, serviceID, orgCode string) (*ReliabilityInfo, error)
}

// Route pairs the endpoint and reliability data for one registered service.
type Route struct {
	// URLs holds every endpoint address the directory returned. The first
	// is used; extras are logged and ignored.
	URLs        []string
	PartyKey    string
	CPAID       string
	Reliability ReliabilityInfo
}

// StaticResolver implements RouteResolver from a fixed route table.
// Suitable for point-to-point deployments with known endpoints.
type StaticResolver struct {
	mu     sync.RWMutex
	routes map[string]*Route
	logger *slog.Logger
}

// NewStaticResolver creates an empty static resolver.
func NewStaticResolver(logger *slog.Logger) *StaticResolver {
	return &StaticResolver{
		routes: make(map[string]*Route),
		logger: logger,
	}
}

// RegisterRoute registers a route for a service/org pair.
func (r *StaticResolver) RegisterRoute(serviceID, orgCode string, route *Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey(serviceID, orgCode)] = route
}

// Endpoint implements RouteResolver.
func (r *StaticResolver) Endpoint(ctx context.Context, serviceID, orgCode string) (*EndpointInfo, error) {
	route, err := r.lookup(serviceID, orgCode)
	if err != nil {
		return nil, err
	}

	if len(route.URLs) == 0 {
		return nil, fmt.Errorf("%w: no endpoint URL registered for %s", ErrRouteNotFound, serviceID)
	}
	if len(route.URLs) > 1 {
		r.logger.Warn("multiple endpoint URLs resolved, using the first",
			"service", serviceID, "org", orgCode, "urls", route.URLs)
	}

	return &EndpointInfo{
		URL:      route.URLs[0],
		PartyKey: route.PartyKey,
		CPAID:    route.CPAID,
	}, nil
}

// Reliability implements RouteResolver.
func (r *StaticResolver) Reliability(ctx context.Context, serviceID, orgCode string) (*ReliabilityInfo, error) {
	route, err := r.lookup(serviceID, orgCode)
	if err != nil {
		return nil, err
	}
	reliability := route.Reliability
	return &reliability, nil
}

func (r *StaticResolver) lookup(serviceID, orgCode string) (*Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.routes[routeKey(serviceID, orgCode)]
	if !ok {
		return nil, fmt.Errorf("%w: %s for org %s", ErrRouteNotFound, serviceID, orgCode)
	}
	return route, nil
}

func routeKey(serviceID, orgCode string) string {
	return serviceID + ":" + orgCode
}
