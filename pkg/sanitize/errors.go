package sanitize

import "errors"

// ErrNormalization indicates an unexpected failure while transforming a subtree.
var ErrNormalization = errors.New("sanitize: normalization fault")
