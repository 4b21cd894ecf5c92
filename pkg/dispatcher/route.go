package dispatcher

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"reslock_server/pkg/logger"
)

// matching :
// Convenience define allowing to reference the possible
// matching state for a route. It is used to precisely
// determine the best match for an input request.
type matching int

// Definition of the possible match state for a route.
const (
	methodNotAllowed matching = iota
	notFound
	matched
)

// Route :
// Defines a generic route which is a path that can be used
// to target a server. The route is composed of a path and
// a set of methods, which allows to only react to some
// specific CRUD behavior on a dedicated route, and also
// to serve multiple request types on a single endpoint.
// The route also defines a handler which is called in
// case a request is directed towards this route.
//
// The `methods` defines the HTTP verbs associated to this
// route. No request that doesn't match one of these verbs
// will be directed towards this route.
//
// The `elems` of the route defines the individual route
// elements that should be matched for a request to be
// targeting the route. Each element is compiled into a
// regular expression so that routes can handle things
// like `/documents/[a-z0-9-]+`.
//
// The `handler` defines the actual processing to call in
// case this route is triggered. It is initialized to a
// default `NoOp` handler.
//
// The `log` will be used in case anything is requiring
// to notify the user of an error.
type Route struct {
	methods map[string]bool
	elems   []*regexp.Regexp
	handler http.Handler
	log     logger.Logger
}

// ErrRouteNotValid :
// Indicates that the expression provided to define a
// route is not valid.
var ErrRouteNotValid = fmt.Errorf("invalid expression provided for route")

// getModuleName :
// Returns the module name to use when producing logs
// from this package.
func getModuleName() string {
	return "dispatcher"
}

// getSupportedMethods :
// Returns the list of `HTTP` verbs that can be used as
// valid filtering methods for a route.
func getSupportedMethods() map[string]bool {
	return map[string]bool{
		"GET":     true,
		"HEAD":    true,
		"POST":    true,
		"PUT":     true,
		"DELETE":  true,
		"CONNECT": true,
		"OPTIONS": true,
		"TRACE":   true,
		"PATCH":   true,
	}
}

// buildRouteElements :
// Used to separate the input route in a set of regular
// expressions that will be traversed sequentially when
// performing the matching.
//
// The `route` defines the input route to analyze. The
// route will be split up on '/' characters and each of
// the tokens will be transformed into a regexp where a
// special `^...$` part is added to make sure that the
// regexp only matches for the full token (and not a
// part of it).
//
// Returns an array of regular expressions describing
// the input route along with any error.
func buildRouteElements(route string) ([]*regexp.Regexp, error) {
	// Remove the first and last '/' characters from the
	// input route if any.
	route = strings.TrimPrefix(route, "/")
	route = strings.TrimSuffix(route, "/")

	if route == "" {
		return []*regexp.Regexp{}, nil
	}

	// Split the route on '/' characters and build the
	// list of regexp representing them.
	tokens := strings.Split(route, "/")
	elems := make([]*regexp.Regexp, 0, len(tokens))

	for _, token := range tokens {
		str := token
		if !strings.HasPrefix(str, "^") {
			str = fmt.Sprintf("^%s", str)
		}
		if !strings.HasSuffix(str, "$") {
			str = fmt.Sprintf("%s$", str)
		}

		exp, err := regexp.Compile(str)
		if err != nil {
			return elems, ErrRouteNotValid
		}

		elems = append(elems, exp)
	}

	return elems, nil
}

// NewRoute :
// Used to create a new route with no associated methods
// and the specified path. Note that if the route contains
// an invalid element that cannot be converted to a regular
// expression a panic will be issued.
//
// The `path` indicates the path that is associated to the
// route to create.
//
// The `log` is used to create the default `NoOp` handler
// associated to this route.
//
// Returns the created route.
func NewRoute(path string, log logger.Logger) *Route {
	tokens, err := buildRouteElements(path)
	if err != nil {
		log.Trace(logger.Error, getModuleName(), fmt.Sprintf("Unable to create route tokens for \"%s\" (err: %v)", path, err))

		panic(ErrRouteNotValid)
	}

	return &Route{
		methods: make(map[string]bool),
		elems:   tokens,
		handler: http.Handler(NoOp(log)),
		log:     log,
	}
}

// Handler :
// Returns the handler associated to this route.
func (r *Route) Handler() http.Handler {
	return r.handler
}

// HandlerFunc :
// Assigns the input function as the handler of this
// route.
//
// The `f` defines the function to serve requests that
// match this route.
//
// Returns this route to allow chain calling.
func (r *Route) HandlerFunc(f func(http.ResponseWriter, *http.Request)) *Route {
	r.handler = http.HandlerFunc(f)
	return r
}

// Methods :
// Restricts the route to the input list of HTTP verbs.
// Invalid verbs are filtered out with a log message.
//
// The `methods` defines the verbs to accept.
//
// Returns this route to allow chain calling.
func (r *Route) Methods(methods ...string) *Route {
	supported := getSupportedMethods()

	for _, method := range methods {
		consolidated := strings.ToUpper(method)

		// Filter invalid methods.
		if _, ok := supported[consolidated]; !ok {
			r.log.Trace(logger.Error, getModuleName(), fmt.Sprintf("Filtering invalid HTTP method \"%s\"", method))
			continue
		}

		r.methods[consolidated] = true
	}

	return r
}

// match :
// Determines how well the input request matches this
// route. The path of the request is split into tokens
// that are matched one by one against the elements of
// the route.
//
// The `req` defines the request to match.
//
// Returns the kind of matching that was achieved.
func (r *Route) match(req *http.Request) matching {
	path := strings.TrimPrefix(req.URL.Path, "/")
	path = strings.TrimSuffix(path, "/")

	var tokens []string
	if len(path) > 0 {
		tokens = strings.Split(path, "/")
	}

	// The request must provide exactly as many tokens
	// as the route defines: two routes differing only
	// by their depth never capture each other's
	// requests.
	if len(tokens) != len(r.elems) {
		return notFound
	}

	for id, elem := range r.elems {
		if !elem.MatchString(tokens[id]) {
			return notFound
		}
	}

	// The path matches: check the method.
	if len(r.methods) > 0 {
		if _, ok := r.methods[req.Method]; !ok {
			return methodNotAllowed
		}
	}

	return matched
}
