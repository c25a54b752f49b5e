package events

import "errors"

var (
	ErrCorruptLog   = errors.New("event log is corrupt")
	ErrTornTail     = errors.New("torn final line")
	ErrSlowConsumer = errors.New("slow consumer")
	ErrClosed       = errors.New("subscription closed")
	ErrInvalidKind  = errors.New("invalid event kind")
	ErrInvalidKeep  = errors.New("compaction must keep at least one event")
)
