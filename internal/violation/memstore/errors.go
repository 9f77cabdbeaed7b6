package memstore

import "errors"

var errClosed = errors.New("store closed")
