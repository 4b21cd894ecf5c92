package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ErrInvalidRequest :
// Indicates that the request provided to extract route
// variables from is not consistent with the prefix that
// was expected for the route.
var ErrInvalidRequest = fmt.Errorf("could not interpret request for route")

// InternalServerErrorString :
// Used to provide a unique string that can be used in case an
// error occurs while serving a client request and we need to
// provide an answer.
//
// Returns a common string to indicate an error.
func InternalServerErrorString() string {
	return "Unexpected server error"
}

// sanitizeRoute :
// Used to remove any '/' characters leading or trailing the
// input route string.
//
// The `route` is the string to be sanitized.
//
// A string stripped from any leading or trailing '/' items.
func sanitizeRoute(route string) string {
	route = strings.TrimPrefix(route, "/")
	route = strings.TrimSuffix(route, "/")

	return route
}

// splitRouteElements :
// Used to transform part of the route into its composing single
// elements. Typically a value of `/documents/some-id` will be
// split into `documents` and `some-id`.
//
// The `route` is the element which should be split on the '/'
// characters.
//
// Returns an array of all tokens formed by the '/' characters
// in the string.
func splitRouteElements(route string) []string {
	route = sanitizeRoute(route)

	// Handle for empty string.
	if len(route) == 0 {
		return make([]string, 0)
	}

	// Split on '/' characters.
	return strings.Split(route, "/")
}

// ExtractRouteVars :
// Used to extract the route variables from the input request
// given the prefix served by the caller. The extra path of the
// route and the query parameters are gathered in the returned
// structure.
//
// The `prefix` represents the prefix to be stripped from the
// input request. If the prefix does not exist in the route an
// error is returned.
//
// The `r` argument represents the request from which the route
// variables should be extracted.
//
// Returns the extracted variables along with any error.
func ExtractRouteVars(prefix string, r *http.Request) (RouteVars, error) {
	vars := RouteVars{
		RouteElems: make([]string, 0),
		Params:     make(map[string]Values),
	}

	// Check that the route of the request is consistent
	// with the expected prefix.
	path := sanitizeRoute(r.URL.Path)
	prefix = sanitizeRoute(prefix)

	if !strings.HasPrefix(path, prefix) {
		return vars, ErrInvalidRequest
	}

	// Extract the extra path of the route.
	vars.RouteElems = splitRouteElements(strings.TrimPrefix(path, prefix))

	// Extract the query parameters.
	for key, values := range r.URL.Query() {
		vars.Params[key] = Values(values)
	}

	return vars, nil
}

// MarshalAndSend :
// Used to send the input data after marshalling it to the
// provided response writer. In case the data cannot be
// marshalled a `500` error is returned to the client.
//
// The `data` represents the data to send back to the client.
//
// The `w` represents the response writer to use to send data
// back.
//
// Returns any error encountered when marshalling the data.
func MarshalAndSend(data interface{}, w http.ResponseWriter) error {
	out, err := json.Marshal(data)
	if err != nil {
		http.Error(w, InternalServerErrorString(), http.StatusInternalServerError)
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(out)

	return err
}
