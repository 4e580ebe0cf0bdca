// Package store implements the durable Work Description record: the
// versioned persistent state of one outbound message's delivery lifecycle.
//
// # Concurrency
//
// Multiple workflow instances may race to publish the same message key. The
// store never merges: a writer holding a stale version is rejected with
// [*OutOfDateVersionError] and must reload and reapply. Writes are a true
// compare-and-swap on the stored version, so two writers that both read
// version N cannot both land version N+1.
package store

import (
	"fmt"
	"time"
)

// TimestampFormat is the persisted form of work description timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// WorkflowName identifies which messaging pattern owns a work description.
// Immutable once the record is created.
type WorkflowName string

const (
	WorkflowSync            WorkflowName = "sync"
	WorkflowAsyncExpress    WorkflowName = "async-express"
	WorkflowAsyncReliable   WorkflowName = "async-reliable"
	WorkflowForwardReliable WorkflowName = "forward-reliable"
	WorkflowSyncAsync       WorkflowName = "sync-async"
)

// Valid reports whether the workflow name is one of the closed set.
func (w WorkflowName) Valid() bool {
	switch w {
	case WorkflowSync, WorkflowAsyncExpress, WorkflowAsyncReliable,
		WorkflowForwardReliable, WorkflowSyncAsync:
		return true
	}
	return false
}

// OutboundStatus is the outbound side of the delivery state machine.
type OutboundStatus string

const (
	OutboundReceived           OutboundStatus = "OUTBOUND_MESSAGE_RECEIVED"
	OutboundPrepared           OutboundStatus = "OUTBOUND_MESSAGE_PREPARED"
	OutboundAckd               OutboundStatus = "OUTBOUND_MESSAGE_ACKD"
	OutboundNackd              OutboundStatus = "OUTBOUND_MESSAGE_NACKD"
	OutboundTransmissionFailed OutboundStatus = "OUTBOUND_MESSAGE_TRANSMISSION_FAILED"
	OutboundPreparationFailed  OutboundStatus = "OUTBOUND_MESSAGE_PREPARATION_FAILED"
	OutboundSyncResponse       OutboundStatus = "OUTBOUND_SYNC_MESSAGE_RESPONSE_RECEIVED"

	SyncAsyncLoaded          OutboundStatus = "SYNC_ASYNC_MESSAGE_LOADED"
	SyncAsyncResponded       OutboundStatus = "SYNC_ASYNC_MESSAGE_SUCCESSFULLY_RESPONDED"
	SyncAsyncFailedToRespond OutboundStatus = "SYNC_ASYNC_MESSAGE_FAILED_TO_RESPOND"
)

// InboundStatus is the inbound side, populated only for patterns that expect
// an asynchronous response.
type InboundStatus string

const (
	InboundReceived              InboundStatus = "INBOUND_RESPONSE_RECEIVED"
	InboundProcessed             InboundStatus = "INBOUND_RESPONSE_SUCCESSFULLY_PROCESSED"
	InboundFailed                InboundStatus = "INBOUND_RESPONSE_FAILED"
	UnsolicitedInboundReceived   InboundStatus = "UNSOLICITED_INBOUND_RESPONSE_RECEIVED"
	UnsolicitedInboundProcessed  InboundStatus = "UNSOLICITED_INBOUND_RESPONSE_SUCCESSFULLY_PROCESSED"
)

// WorkDescription is the durable record of one outbound message's lifecycle,
// keyed by the message's correlation key.
type WorkDescription struct {
	MessageKey     string         `bson:"_id" json:"messageKey"`
	Version        int            `bson:"version" json:"version"`
	CreatedAt      string         `bson:"created_timestamp" json:"createdTimestamp"`
	LastModifiedAt string         `bson:"last_modified_timestamp" json:"lastModifiedTimestamp"`
	Workflow       WorkflowName   `bson:"workflow" json:"workflow"`
	OutboundStatus OutboundStatus `bson:"outbound_status,omitempty" json:"outboundStatus,omitempty"`
	InboundStatus  InboundStatus  `bson:"inbound_status,omitempty" json:"inboundStatus,omitempty"`
}

// Create builds an unpersisted work description at version 1. The key and
// workflow are required, as is at least one initial status.
func Create(key string, workflow WorkflowName, outbound OutboundStatus, inbound InboundStatus) (*WorkDescription, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: message key is required", ErrInvalidArgument)
	}
	if !workflow.Valid() {
		return nil, fmt.Errorf("%w: unknown workflow %q", ErrInvalidArgument, workflow)
	}
	if outbound == "" && inbound == "" {
		return nil, fmt.Errorf("%w: at least one initial status is required", ErrInvalidArgument)
	}

	now := nowTimestamp()
	return &WorkDescription{
		MessageKey:     key,
		Version:        1,
		CreatedAt:      now,
		LastModifiedAt: now,
		Workflow:       workflow,
		OutboundStatus: outbound,
		InboundStatus:  inbound,
	}, nil
}

func nowTimestamp() string {
	return time.Now().UTC().Format(TimestampFormat)
}
