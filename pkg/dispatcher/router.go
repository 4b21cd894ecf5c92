package dispatcher

import (
	"net/http"

	"reslock_server/pkg/logger"
)

// Router :
// Defines a generic router that can be used to simplify the
// handling of multiple routes for a server. It helps with
// the organization of the routes by providing some means to
// register routes with a specific name and method.
//
// The `notFoundHandler` defines the handler to use in case
// no route can be matched for a request. The default value
// is using the default object defined by this package that
// just prints an error message indicating the route that
// was accessed.
//
// The `methodNotAllowedHandler` defines a handler that is
// called whenever a route is matched for a request but the
// method does not correspond to the defined route. This is
// also provided with a default handler which indicates the
// failure.
//
// The `routes` register all the routes defined for this
// router to handle so far. It basically is used when a
// new request is received to route it to the element that
// best matches the paths defined by the routes.
//
// The `log` allows to notify the user of information and
// various errors that can be produced by this element.
type Router struct {
	notFoundHandler         http.Handler
	methodNotAllowedHandler http.Handler
	routes                  []*Route
	log                     logger.Logger
}

// routeMatch :
// Stores the information about a matched route. Notably
// it indicates whether the route could be matched or not
// and some more info about how the route failed to match.
//
// The `handler` defines the actual handler that should be
// used to process the request.
//
// The `match` allows to precisely determine which kind
// of matching was possible among all the routes that are
// managed by this router.
type routeMatch struct {
	handler http.Handler
	match   matching
}

// NewRouter :
// Creates a new router with default handlers for not found
// and method not allowed and no route to match.
//
// The `log` will be passed on to the routes handled by this
// router in order to allow notification of the user when a
// route has trouble being routed.
//
// Returns the created router.
func NewRouter(log logger.Logger) *Router {
	return &Router{
		notFoundHandler:         NotFound(log),
		methodNotAllowedHandler: NotAllowed(log),
		routes:                  make([]*Route, 0),
		log:                     log,
	}
}

// HandleFunc :
// Registers a new route in the internal list of served
// routes with the provided path and associated handler.
//
// The `path` defines the path to access to the route.
//
// The `f` defines the processing unit associated to the
// route.
//
// Returns the created route.
func (r *Router) HandleFunc(path string, f func(http.ResponseWriter, *http.Request)) *Route {
	// Sanitize the path in case it is empty.
	if len(path) == 0 {
		path = "/"
	}

	route := NewRoute(path, r.log).HandlerFunc(f)
	r.routes = append(r.routes, route)

	return route
}

// ServeHTTP :
// Used to dispatch the input request to the best suited
// handler as registered in the internal routes. If none
// of the handlers are able to receive the request the
// `NotFound` handler will be called.
//
// The `w` represents the response writer to use in case
// some data should be returned back to the client.
//
// The `req` defines the input request which should be
// routed through the internal handlers.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var match routeMatch
	r.matchRoute(req, &match)

	match.handler.ServeHTTP(w, req)
}

// matchRoute :
// Attempts to match the given request against the
// router's registered routes.
//
// The `req` defines the input request to match against
// the internal routes.
//
// The `m` will be populated with the best matching route
// if any. In case no registered route can be matched,
// the `NotFound` handler is selected; in case the route
// could be matched but the method was not valid, the
// `NotAllowed` handler is selected.
func (r *Router) matchRoute(req *http.Request, m *routeMatch) {
	m.match = notFound

	// Traverse the internal list of routes and check for
	// a match.
	for _, route := range r.routes {
		switch route.match(req) {
		case matched:
			m.match = matched
			m.handler = route.Handler()
			return
		case methodNotAllowed:
			// Remember that a route matched the path so that
			// the failure is reported as a method issue and
			// not as a missing route.
			m.match = methodNotAllowed
		}
	}

	if m.match == methodNotAllowed {
		m.handler = r.methodNotAllowedHandler
		return
	}

	m.handler = r.notFoundHandler
}
