package storage

import "errors"

// ErrCorrupt marks persisted data that could not be parsed. The offending file
// has been moved aside by the time a caller sees it.
var ErrCorrupt = errors.New("storage: corrupt data file")
