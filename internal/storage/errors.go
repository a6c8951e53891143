package storage

import "errors"

// ErrClosed is returned by a store or session used after Close/Release.
var ErrClosed = errors.New("storage closed")

// ErrTableMissing is returned when writing to a table EnsureTable has not created.
var ErrTableMissing = errors.New("table does not exist")
