package docs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"reslock_server/internal/locker"
	"reslock_server/pkg/db"
	"reslock_server/pkg/logger"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// DocumentStore :
// Provides access to the documents persisted in the main
// DB through the resource lock: every access to a document
// happens under a lock and only once the document has been
// prepared for the matching access pattern. The store is
// the delegate of its own lock: it knows how to fetch a
// document from its identifier and how to transition a
// projection to read-optimized or write-ready state.
// Documents are cached by identifier so that a single
// projection exists per row; the lock itself tracks the
// projections by identity.
//
// The `lock` guards the access to the documents and keeps
// their preparation state.
//
// The `proxy` defines the DB to use to fetch and persist
// the documents.
//
// The `cache` holds the projection associated to each
// document identifier served so far.
//
// The `cacheLock` protects the `cache` from concurrent
// accesses.
//
// The `staleness` defines the age after which a read
// projection is refreshed from the DB by the concurrent
// preparation.
//
// The `maxContentLength` defines the content length above
// which the `Audit` operation rewrites a document.
//
// The `cout` allows to notify errors and information.
type DocumentStore struct {
	lock  *locker.ResourceLock[uuid.UUID, Document]
	proxy db.Proxy

	cache     map[uuid.UUID]*Document
	cacheLock sync.Mutex

	staleness        time.Duration
	maxContentLength int

	cout logger.Logger
}

// ErrDocumentNotFound : Indicates that the requested
// document does not exist in the DB.
var ErrDocumentNotFound = fmt.Errorf("Document does not exist in DB")

// configuration :
// Used internally to regroup the variables that can be
// used to customize the behavior of the document store.
//
// The `Staleness` defines the duration after which the
// read projection of a document is considered stale and
// refreshed from the DB upon preparation. It is given in
// seconds.
// The default value is `30`.
//
// The `MaxContentLength` defines the content length above
// which the audit operation rewrites a document.
// The default value is `10000`.
type configuration struct {
	Staleness        time.Duration
	MaxContentLength int
}

// parseConfiguration :
// Used to parse the configuration file and environment
// variables provided when executing this server to get
// the values of the document store properties.
//
// Returns the parsed configuration where all non-set
// properties have their default values.
func parseConfiguration() configuration {
	// Create the default configuration.
	config := configuration{
		Staleness:        30 * time.Second,
		MaxContentLength: 10000,
	}

	// Parse custom properties.
	if viper.IsSet("Documents.Staleness") {
		sec := viper.GetInt("Documents.Staleness")
		config.Staleness = time.Duration(sec) * time.Second
	}
	if viper.IsSet("Documents.MaxContentLength") {
		config.MaxContentLength = viper.GetInt("Documents.MaxContentLength")
	}

	return config
}

// NewDocumentStore :
// Creates a new document store on top of the input DB
// proxy. Configuration values are retrieved from the
// environment variables and conf file provided to the
// server.
//
// The `proxy` defines the DB holding the documents.
//
// The `log` will be assigned as the internal logging
// mean for this store.
//
// Returns the created store.
func NewDocumentStore(proxy db.Proxy, log logger.Logger) *DocumentStore {
	// Parse the config.
	config := parseConfiguration()

	store := &DocumentStore{
		proxy: proxy,

		cache: make(map[uuid.UUID]*Document),

		staleness:        config.Staleness,
		maxContentLength: config.MaxContentLength,

		cout: log,
	}

	// The store is the delegate of its own lock.
	store.lock = locker.NewResourceLock[uuid.UUID, Document](store, log)

	return store
}

// Fetch :
// Implementation of the lock's delegate interface: builds
// or retrieves the projection associated to the input
// document identifier. A single projection exists per
// identifier so that all the callers share the same
// resource.
//
// The `ctx` defines the cancellation of the request.
//
// The `id` defines the identifier of the document.
//
// Returns the projection along with any error.
func (s *DocumentStore) Fetch(ctx context.Context, id uuid.UUID) (*Document, error) {
	// Serve the cached projection if any.
	s.cacheLock.Lock()
	doc, ok := s.cache[id]
	s.cacheLock.Unlock()

	if ok {
		return doc, nil
	}

	// Build a fresh projection from the DB.
	doc = &Document{ID: id}
	if err := s.reload(doc); err != nil {
		return nil, err
	}

	// Another caller may have built the projection while
	// we were querying the DB: keep a single one.
	s.cacheLock.Lock()
	defer s.cacheLock.Unlock()

	if existing, ok := s.cache[id]; ok {
		return existing, nil
	}
	s.cache[id] = doc

	return doc, nil
}

// PrepareConcurrent :
// Implementation of the lock's delegate interface: makes
// the input document suitable for concurrent read access
// by refreshing its projection from the DB when it is
// stale or was last prepared for writing.
//
// The `ctx` defines the cancellation of the preparation.
//
// The `doc` defines the document to prepare.
//
// Returns any error.
func (s *DocumentStore) PrepareConcurrent(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// A projection that was writable or that exceeded its
	// staleness budget is synchronized again.
	if doc.writable || time.Since(doc.refreshedAt) > s.staleness {
		if err := s.reload(doc); err != nil {
			return err
		}
	}

	doc.writable = false

	s.cout.Trace(logger.Verbose, "docs", fmt.Sprintf("Prepared document \"%s\" for concurrent access (revision: %d)", doc.ID, doc.Revision))

	return nil
}

// PrepareExclusive :
// Implementation of the lock's delegate interface: makes
// the input document suitable for exclusive write access
// by reloading its authoritative state from the DB. The
// reload is skipped when the caller's locks carry the
// `LockSkipInitialPreparation` flag.
//
// The `ctx` defines the cancellation of the preparation.
//
// The `doc` defines the document to prepare.
//
// The `flags` defines the union of the flags of the locks
// held by the caller that triggered the preparation.
//
// Returns any error.
func (s *DocumentStore) PrepareExclusive(ctx context.Context, doc *Document, flags locker.LockFlags) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if flags&locker.LockSkipInitialPreparation == 0 {
		if err := s.reload(doc); err != nil {
			return err
		}
	}

	doc.writable = true

	s.cout.Trace(logger.Verbose, "docs", fmt.Sprintf("Prepared document \"%s\" for exclusive access (revision: %d)", doc.ID, doc.Revision))

	return nil
}

// reload :
// Synchronizes the input projection with the row persisted
// in the DB.
//
// The `doc` defines the projection to synchronize.
//
// Returns any error.
func (s *DocumentStore) reload(doc *Document) error {
	query := db.QueryDesc{
		Props: []string{
			"id",
			"revision",
			"content",
		},
		Table: "documents",
		Filters: []db.Filter{
			{
				Key:    "id",
				Values: []string{doc.ID.String()},
			},
		},
	}

	res, err := s.proxy.FetchFromDB(query)
	defer res.Close()

	if err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}

	if !res.Next() {
		return ErrDocumentNotFound
	}

	var id string
	if err := res.Scan(&id, &doc.Revision, &doc.Content); err != nil {
		return err
	}

	doc.refreshedAt = time.Now()

	return nil
}

// persist :
// Writes the state of the input projection back to the
// DB, bumping its revision.
//
// The `doc` defines the projection to persist.
//
// Returns any error.
func (s *DocumentStore) persist(doc *Document) error {
	err := s.proxy.ExecuteOnDB(
		"update documents set content = $1, revision = revision + 1 where id = $2",
		doc.Content,
		doc.ID.String(),
	)
	if err != nil {
		return err
	}

	doc.Revision++
	doc.refreshedAt = time.Now()

	return nil
}

// View :
// Produces a snapshot of the document identified by the
// input identifier under a read lock. The document is
// prepared for concurrent access before being read.
//
// The `ctx` defines the cancellation of the request.
//
// The `id` defines the identifier of the document.
//
// Returns the snapshot along with any error.
func (s *DocumentStore) View(ctx context.Context, id uuid.UUID) (DocumentView, error) {
	rel, err := s.lock.ReadLock(ctx)
	if err != nil {
		return DocumentView{}, err
	}
	defer rel.Release()

	doc, err := rel.GetResource(ctx, id)
	if err != nil {
		return DocumentView{}, err
	}

	return doc.view(), nil
}

// Edit :
// Replaces the content of the document identified by the
// input identifier under a write lock and persists the
// change to the DB.
//
// The `ctx` defines the cancellation of the request.
//
// The `id` defines the identifier of the document.
//
// The `content` defines the new content.
//
// Returns the snapshot of the updated document along with
// any error.
func (s *DocumentStore) Edit(ctx context.Context, id uuid.UUID, content string) (DocumentView, error) {
	rel, err := s.lock.WriteLock(ctx, locker.LockNone)
	if err != nil {
		return DocumentView{}, err
	}
	defer rel.Release()

	doc, err := rel.GetResource(ctx, id)
	if err != nil {
		return DocumentView{}, err
	}

	doc.Content = content
	if err := s.persist(doc); err != nil {
		return DocumentView{}, err
	}

	return doc.view(), nil
}

// Audit :
// Inspects the document identified by the input identifier
// under an upgradeable read lock and rewrites it when its
// content exceeds the configured length. The write lock is
// only taken when a rewrite is actually needed, so that
// well-behaved documents are audited without blocking the
// readers.
//
// The `ctx` defines the cancellation of the request.
//
// The `id` defines the identifier of the document.
//
// Returns the snapshot of the audited document along with
// any error.
func (s *DocumentStore) Audit(ctx context.Context, id uuid.UUID) (DocumentView, error) {
	rel, err := s.lock.UpgradeableReadLock(ctx, locker.LockNone)
	if err != nil {
		return DocumentView{}, err
	}
	defer rel.Release()

	doc, err := rel.GetResource(ctx, id)
	if err != nil {
		return DocumentView{}, err
	}

	// Nothing to fix: report the document as is.
	if len(doc.Content) <= s.maxContentLength {
		return doc.view(), nil
	}

	// The content exceeds the allowed length: upgrade to a
	// write lock and truncate it. Upon releasing the write
	// lock the document is restored to concurrent mode
	// before any other caller observes it.
	wrel, err := s.lock.WriteLock(rel.Context(), locker.LockNone)
	if err != nil {
		return DocumentView{}, err
	}
	defer wrel.Release()

	wdoc, err := wrel.GetResource(ctx, id)
	if err != nil {
		return DocumentView{}, err
	}

	s.cout.Trace(logger.Info, "docs", fmt.Sprintf("Truncating document \"%s\" (length: %d)", wdoc.ID, len(wdoc.Content)))

	wdoc.Content = wdoc.Content[:s.maxContentLength]
	if err := s.persist(wdoc); err != nil {
		return DocumentView{}, err
	}

	return wdoc.view(), nil
}

// List :
// Retrieves the identifiers of the documents persisted in
// the DB.
//
// Returns the identifiers along with any error.
func (s *DocumentStore) List() ([]uuid.UUID, error) {
	query := db.QueryDesc{
		Props: []string{
			"id",
		},
		Table: "documents",
	}

	res, err := s.proxy.FetchFromDB(query)
	defer res.Close()

	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}

	ids := make([]uuid.UUID, 0)
	for res.Next() {
		var raw string
		if err := res.Scan(&raw); err != nil {
			return ids, err
		}

		id, err := uuid.Parse(raw)
		if err != nil {
			return ids, err
		}

		ids = append(ids, id)
	}

	return ids, nil
}

// Stats :
// Produces a snapshot of the bookkeeping of the lock
// guarding the documents.
//
// Returns the statistics.
func (s *DocumentStore) Stats() locker.ResourceLockStats {
	return s.lock.Stats()
}

// Sweep :
// Elides the dead entries of the lock's preparation
// table. Meant to be wired to a background process.
//
// Returns the number of elided entries.
func (s *DocumentStore) Sweep() int {
	return s.lock.Sweep()
}
