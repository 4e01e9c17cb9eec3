package registry

import "errors"

var errNilEntity = errors.New("factory returned a nil entity")
