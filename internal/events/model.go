package events

import (
	"context"
	"time"
)

type Kind string

const (
	KindPush   Kind = "push"
	KindFetch  Kind = "fetch"
	KindCreate Kind = "create"
	KindRemove Kind = "remove"
	KindError  Kind = "error"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPush, KindFetch, KindCreate, KindRemove, KindError:
		return true
	}
	return false
}

// Event is one record of the log. Seq is assigned at append and never reused.
type Event struct {
	Seq     uint64         `json:"seq"`
	Time    time.Time      `json:"time"`
	Repo    string         `json:"repo"`
	Kind    Kind           `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Draft is an event that has not been sequenced yet.
type Draft struct {
	Repo    string
	Kind    Kind
	Payload map[string]any
	Time    time.Time
}

type Appender interface {
	Append(ctx context.Context, draft Draft) (Event, error)
}

// RefUpdate describes one ref changed by a push.
type RefUpdate struct {
	Name string `json:"name"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

// Bounds are the oldest and newest sequence numbers retained in the log. Both
// are zero for an empty log.
type Bounds struct {
	Oldest uint64 `json:"oldest_seq"`
	Last   uint64 `json:"last_seq"`
}
