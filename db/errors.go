package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/drover/errors"
)

// ErrDatabaseClosed marks work attempted after the pool was closed, usually
// queue consumers still draining while the server shuts down
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed matches ErrDatabaseClosed as well as the errors
// database/sql and the sqlite driver return unwrapped
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
