package eventstream

import "errors"

// ErrNilMessageEvent indicates a nil event payload was provided to a publisher.
var ErrNilMessageEvent = errors.New("nil message event")
