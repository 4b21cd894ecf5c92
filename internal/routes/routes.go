package routes

import (
	"net/http"

	"reslock_server/pkg/dispatcher"
)

// routes :
// Used to setup all the routes able to be served by this
// server. All the routes are set up with the adequate
// handler but no actual binding is done.
func (s *Server) routes() {
	// Handle known routes.
	s.route("GET", "/documents", s.listDocuments())
	s.route("GET", "/documents/[a-zA-Z0-9-]+", s.viewDocument())
	s.route("GET", "/locker/stats", s.lockerStats())

	s.route("POST", "/documents/[a-zA-Z0-9-]+/audit", s.auditDocument())
	s.route("POST", "/documents/[a-zA-Z0-9-]+", s.editDocument())
}

// route :
// Used to perform the necessary wrapping around the
// specified handler provided that it should be binded to
// the input route and only respond to said method.
//
// The `method` indicates the method for which the handler
// is sensible.
//
// The `name` of the route define the binding that should
// be performed for the input handler.
//
// The `handler` defines the element that will serve input
// requests and which should be wrapped to provide more
// security.
func (s *Server) route(method string, name string, handler http.HandlerFunc) {
	s.router.HandleFunc(
		name,
		dispatcher.WithSafetyNet(
			s.log,
			handler,
		),
	).Methods(method)
}
