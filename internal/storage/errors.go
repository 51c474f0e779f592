package storage

import "errors"

// ErrNotFound indicates the requested device, session or message does not exist.
var ErrNotFound = errors.New("not found")
