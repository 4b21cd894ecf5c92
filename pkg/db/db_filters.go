package db

import (
	"fmt"
	"strings"
)

// Filter :
// Defines a generic filter that can be used to restrain
// the values fetched by a query. A filter is composed of
// a key (usually the name of a column) and a set of
// values that are acceptable for this key.
//
// The `Key` defines the column to filter on.
//
// The `Values` defines the acceptable values for the
// key. They are combined with a `in` statement when the
// filter is converted into its SQL representation.
type Filter struct {
	Key    string
	Values []string
}

// String :
// Produces the SQL representation of this filter, meant
// to be appended to the `where` clause of a query.
//
// Returns the string representing the filter.
func (f Filter) String() string {
	quoted := make([]string, 0, len(f.Values))
	for _, value := range f.Values {
		quoted = append(quoted, fmt.Sprintf("'%s'", value))
	}

	return fmt.Sprintf("%s in (%s)", f.Key, strings.Join(quoted, ","))
}
