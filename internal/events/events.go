package events

import (
	"time"

	"github.com/iago/jobsync/internal/domain"
)

// Topic names, used in logs.
const (
	NameFeedUpdated           = "feedUpdated"
	NameWriteState            = "writeState"
	NameProgressChanged       = "progressChanged"
	NameCorpusUpdated         = "corpusUpdated"
	NameSnapshotReceived      = "snapshotReceived"
	NameSnapshotRequested     = "snapshotRequested"
	NameStatusCommandReceived = "statusCommandReceived"
	NameReachabilityChanged   = "reachabilityChanged"
	NameMirrorChanged         = "mirrorChanged"
	NameEnvelopeDelivered     = "envelopeDelivered"
)

// FeedUpdated is published by the record store after every applied feed
// event or local write.
type FeedUpdated struct {
	Records []domain.JobRecord
	Pending []string
	At      time.Time
}

// WriteState is the raw input of the sync progress derivation.
type WriteState struct {
	// Enqueued counts distinct record IDs ever added to the pending set.
	Enqueued int
	Pending  int
	InFlight int
}

type SnapshotReceived struct {
	Envelope   domain.Envelope
	ReceivedAt time.Time
}

type SnapshotRequested struct {
	Envelope   domain.Envelope
	ReceivedAt time.Time
}

type StatusCommandReceived struct {
	Command    domain.StatusUpdateCommand
	ReceivedAt time.Time
}

type ReachabilityChanged struct {
	Reachable bool
	At        time.Time
}

// EnvelopeDelivered is published once a status command has been written to
// the live link, directly or from the mailbox.
type EnvelopeDelivered struct {
	Envelope    domain.Envelope
	DeliveredAt time.Time
}
