package docs

import (
	"time"

	"reslock_server/pkg/duration"

	"github.com/google/uuid"
)

// Document :
// Represents the in-memory projection of a row of the
// `documents` table. A document is the resource guarded
// by the store's lock: before being handed to a caller it
// is prepared either for concurrent read access (its
// projection is refreshed when stale) or for exclusive
// write access (its authoritative state is reloaded and
// it becomes writable).
// The fields of a document are only mutated from within
// the preparation operations and from callers holding a
// write lock, which the lock serializes: no additional
// synchronization is needed.
//
// The `ID` defines the identifier of the document, which
// is also its moniker in the store.
//
// The `Revision` defines the revision of the row that
// the projection was built from.
//
// The `Content` defines the content of the document.
//
// The `writable` indicates whether the document was last
// prepared for exclusive access. It is reset whenever a
// concurrent preparation runs.
//
// The `refreshedAt` defines the time at which the
// projection was last synchronized with the DB.
type Document struct {
	ID       uuid.UUID
	Revision int
	Content  string

	writable    bool
	refreshedAt time.Time
}

// DocumentView :
// A snapshot of a document as exposed to clients. Views
// are produced while the adequate lock is held so that
// their content is consistent.
//
// The `ID` defines the identifier of the document.
//
// The `Revision` defines the revision of the snapshot.
//
// The `Content` defines the content of the snapshot.
//
// The `Age` defines the time elapsed since the document
// projection was last synchronized with the DB.
type DocumentView struct {
	ID       uuid.UUID         `json:"id"`
	Revision int               `json:"revision"`
	Content  string            `json:"content"`
	Age      duration.Duration `json:"age"`
}

// view :
// Produces a snapshot of this document.
//
// Returns the built-in view.
func (d *Document) view() DocumentView {
	return DocumentView{
		ID:       d.ID,
		Revision: d.Revision,
		Content:  d.Content,
		Age:      duration.NewDuration(time.Since(d.refreshedAt)),
	}
}
