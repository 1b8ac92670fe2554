package msgcache

import "errors"

var (
	// ErrEncode indicates that a message could not be converted to storable text.
	ErrEncode = errors.New("msgcache: encode message")
	// ErrDecode indicates that stored text could not be reconstructed into content.
	ErrDecode = errors.New("msgcache: decode content")
)
