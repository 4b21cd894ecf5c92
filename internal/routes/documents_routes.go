package routes

import (
	"encoding/json"
	"fmt"
	"net/http"

	"reslock_server/internal/docs"
	"reslock_server/pkg/handlers"
	"reslock_server/pkg/logger"

	"github.com/google/uuid"
)

// editRequest :
// Describes the payload accepted by the edition endpoint.
//
// The `Content` defines the new content of the document.
type editRequest struct {
	Content string `json:"content"`
}

// documentID :
// Extracts the document identifier from the input request
// given the served route.
//
// The `route` defines the route served by the caller.
//
// The `r` defines the request to analyze.
//
// Returns the identifier along with any error.
func documentID(route string, r *http.Request) (uuid.UUID, error) {
	vars, err := handlers.ExtractRouteVars(route, r)
	if err != nil {
		return uuid.UUID{}, err
	}

	if len(vars.RouteElems) < 1 {
		return uuid.UUID{}, handlers.ErrInvalidRequest
	}

	return uuid.Parse(vars.RouteElems[0])
}

// answerDocumentError :
// Translates the input store failure into the adequate
// HTTP answer.
//
// The `w` defines the response writer to answer through.
//
// The `r` defines the request being answered.
//
// The `err` defines the failure to translate.
func answerDocumentError(w http.ResponseWriter, r *http.Request, err error) {
	if err == docs.ErrDocumentNotFound {
		http.NotFound(w, r)
		return
	}

	http.Error(w, handlers.InternalServerErrorString(), http.StatusInternalServerError)
}

// listDocuments :
// Produces the handler serving the list of the documents
// known to the server.
//
// Returns the handler to use to serve these requests.
func (s *Server) listDocuments() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := s.documents.List()
		if err != nil {
			s.log.Trace(logger.Error, "documents", fmt.Sprintf("Unable to list documents (err: %v)", err))
			http.Error(w, handlers.InternalServerErrorString(), http.StatusInternalServerError)
			return
		}

		handlers.MarshalAndSend(ids, w)
	}
}

// viewDocument :
// Produces the handler serving the snapshot of a single
// document under a read lock.
//
// Returns the handler to use to serve these requests.
func (s *Server) viewDocument() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := documentID("/documents", r)
		if err != nil {
			http.Error(w, "Invalid document identifier", http.StatusBadRequest)
			return
		}

		view, err := s.documents.View(r.Context(), id)
		if err != nil {
			s.log.Trace(logger.Error, "documents", fmt.Sprintf("Unable to view document \"%s\" (err: %v)", id, err))
			answerDocumentError(w, r, err)
			return
		}

		handlers.MarshalAndSend(view, w)
	}
}

// editDocument :
// Produces the handler replacing the content of a single
// document under a write lock.
//
// Returns the handler to use to serve these requests.
func (s *Server) editDocument() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := documentID("/documents", r)
		if err != nil {
			http.Error(w, "Invalid document identifier", http.StatusBadRequest)
			return
		}

		var payload editRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "Invalid document payload", http.StatusBadRequest)
			return
		}

		view, err := s.documents.Edit(r.Context(), id, payload.Content)
		if err != nil {
			s.log.Trace(logger.Error, "documents", fmt.Sprintf("Unable to edit document \"%s\" (err: %v)", id, err))
			answerDocumentError(w, r, err)
			return
		}

		handlers.MarshalAndSend(view, w)
	}
}

// auditDocument :
// Produces the handler auditing a single document under
// an upgradeable read lock, rewriting it only when it
// violates the configured constraints.
//
// Returns the handler to use to serve these requests.
func (s *Server) auditDocument() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := documentID("/documents", r)
		if err != nil {
			http.Error(w, "Invalid document identifier", http.StatusBadRequest)
			return
		}

		view, err := s.documents.Audit(r.Context(), id)
		if err != nil {
			s.log.Trace(logger.Error, "documents", fmt.Sprintf("Unable to audit document \"%s\" (err: %v)", id, err))
			answerDocumentError(w, r, err)
			return
		}

		handlers.MarshalAndSend(view, w)
	}
}
