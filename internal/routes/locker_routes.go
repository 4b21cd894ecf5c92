package routes

import (
	"net/http"
	"time"

	"reslock_server/internal/locker"
	"reslock_server/pkg/duration"
	"reslock_server/pkg/handlers"
)

// lockerStatus :
// Describes the payload served by the lock diagnostics
// endpoint.
//
// The `Uptime` defines the time elapsed since the server
// was created.
//
// The `Lock` defines the bookkeeping snapshot of the lock
// guarding the documents.
type lockerStatus struct {
	Uptime duration.Duration        `json:"uptime"`
	Lock   locker.ResourceLockStats `json:"lock"`
}

// lockerStats :
// Produces the handler serving the diagnostics of the
// resource lock.
//
// Returns the handler to use to serve these requests.
func (s *Server) lockerStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := lockerStatus{
			Uptime: duration.NewDuration(time.Since(s.startedAt)),
			Lock:   s.documents.Stats(),
		}

		handlers.MarshalAndSend(status, w)
	}
}
