package bus

import "errors"

var (
	// ErrReplyTimeout indicates EmitAndWait saw no reply before its deadline
	ErrReplyTimeout = errors.New("reply timeout")
)
