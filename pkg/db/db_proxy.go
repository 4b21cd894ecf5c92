package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx"
)

// QueryDesc :
// Defines an abstract query where some fields can be
// configured to adapt in a certain extent to various
// queries.
// The produced query will be something like below:
// `select [props] from [table] where [filters]`.
//
// The `Props` define the list of properties to select
// by the query. Each property will be listed in order
// compared to the order defined in this slice.
//
// The `Table` defines the table into which the props
// should be queried.
//
// The `Filters` will be appended in the `where` clause
// of the generated SQL query. Each filter is added
// as a `and` statement to the others.
type QueryDesc struct {
	Props   []string
	Table   string
	Filters []Filter
}

// ErrInvalidDB : Indicates that the DB wrapped by a proxy
// is not valid.
var ErrInvalidDB = fmt.Errorf("Invalid nil DB provided to proxy")

// ErrInvalidQuery : Indicates that the query provided to
// the proxy is obviously not valid.
var ErrInvalidQuery = fmt.Errorf("Invalid query provided to proxy")

// valid :
// Used to determine whether the query is obviously
// not valid.
//
// Returns `true` if the query is not obviously wrong.
func (q QueryDesc) valid() bool {
	return len(q.Props) > 0 && len(q.Table) > 0
}

// generate :
// Used to perform the generation of a valid SQL query
// from the data registered in this query. This method
// assumes that the query is valid (which is verified
// with the `valid` method of this object) and does not
// perform additional checks.
//
// Returns a string representing the query.
func (q QueryDesc) generate() string {
	// Generate base query.
	str := fmt.Sprintf("select %s from %s", strings.Join(q.Props, ", "), q.Table)

	// Append filters if any.
	if len(q.Filters) > 0 {
		str += " where"

		for id, filter := range q.Filters {
			if id > 0 {
				str += " and"
			}
			str += fmt.Sprintf(" %s", filter)
		}
	}

	return str
}

// QueryResult :
// Defines the result of a query as executed by the
// main DB. This small wrapper allows to release the
// remaining rows through its `Close` method.
//
// The `rows` defines the low level rows returned by
// the execution of the query.
//
// The `Err` defines the error that was associated
// with the query itself.
type QueryResult struct {
	rows *pgx.Rows
	Err  error
}

// Next :
// Forward the call to the internal rows object so
// that we move to the next row of the result.
//
// Returns `true` if there are more rows.
func (q QueryResult) Next() bool {
	return q.rows.Next()
}

// Scan :
// Forward the call to the internal rows object so
// that the content of the row is retrieved.
//
// The `dest` defines the destination elements where
// the current row should be queried.
//
// Returns any error.
func (q QueryResult) Scan(dest ...interface{}) error {
	return q.rows.Scan(dest...)
}

// Close :
// Releases the remaining rows described by this object
// if any, making sure that the connection to the DB
// is released.
func (q QueryResult) Close() {
	if q.rows != nil {
		q.rows.Close()
	}
}

// Proxy :
// Intended as a common wrapper to access the main DB
// through a convenience way. It helps hiding the
// complexity of how the data is laid out in the `DB`
// and the precise name of tables from the rest of
// the application.
//
// The `dbase` is the database that is wrapped by this
// object. It is checked for consistency upon building
// the wrapper.
type Proxy struct {
	dbase *DB
}

// NewProxy :
// Performs the creation of a new common proxy from the
// input database.
//
// The `dbase` defines the main DB that should be wrapped
// by this object.
//
// Returns the created object.
func NewProxy(dbase *DB) Proxy {
	return Proxy{
		dbase: dbase,
	}
}

// FetchFromDB :
// Used to perform the query defined by the input argument
// in the main DB. The return value is described through a
// local structure allowing to manipulate more easily the
// results.
//
// The `query` defines the query to perform.
//
// Returns the rows as fetched from the DB along with any
// errors. Note that we distinguish any errors that can
// have occurred during the execution of the query from an
// error that was returned *before* the execution of the
// query.
func (p Proxy) FetchFromDB(query QueryDesc) (QueryResult, error) {
	// Check for invalid DB.
	if p.dbase == nil {
		return QueryResult{}, ErrInvalidDB
	}

	// Check the query to make sure it is valid.
	if !query.valid() {
		return QueryResult{}, ErrInvalidQuery
	}

	// Generate the string from the input query properties.
	queryStr := query.generate()

	// Execute it and return the produced data.
	var res QueryResult
	res.rows, res.Err = p.dbase.DBQuery(queryStr)

	return res, nil
}

// ExecuteOnDB :
// Used to perform the input modification query on the main
// DB with the provided arguments.
//
// The `query` defines the request to execute.
//
// The `args` are arguments to pass to the query.
//
// Returns any error occurring while performing the DB
// operation.
func (p Proxy) ExecuteOnDB(query string, args ...interface{}) error {
	// Check for invalid DB.
	if p.dbase == nil {
		return ErrInvalidDB
	}

	_, err := p.dbase.DBExecute(query, args...)

	return formatDBError(err)
}
