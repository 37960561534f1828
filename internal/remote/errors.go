package remote

import "errors"

var errClosed = errors.New("backend closed")
