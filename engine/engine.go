// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package engine defines the boundary to an encryption engine. The
// engine performs the cryptographic transformation of commands and
// command responses; it does so through a pull-based state machine
// that asks its caller for the external data it needs (collection
// metadata, markings, key documents, and KMS replies) one state at
// a time.
//
// A context is driven as follows: the caller inspects State, supplies
// the data the state requests, and completes the state, until State
// reports a terminal state. Contexts are not safe for concurrent use,
// but independent contexts from the same Engine may be driven
// concurrently.
package engine

import (
	"fmt"

	"github.com/grailbio/autocrypt/cluster"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// State is the state of an engine context.
type State int

const (
	// Unknown is reported for states that the engine does not
	// expose through this interface.
	Unknown State = iota
	// NeedCollectionInfo requests the collection metadata matching
	// the filter returned by Context.Operation.
	NeedCollectionInfo
	// NeedMarkings requests the marked form of the command, computed
	// against the schema returned by Context.Operation.
	NeedMarkings
	// NeedKeys requests the key documents matching the filter
	// returned by Context.Operation.
	NeedKeys
	// NeedKMS requests that each pending key decryptor be fed its
	// KMS reply.
	NeedKMS
	// Ready indicates that the transformed document may be
	// retrieved with Context.Finish.
	Ready
	// NoEncryptionNeeded indicates that the input document should be
	// used as is.
	NoEncryptionNeeded
	// Done indicates that the context has finished.
	Done
)

var states = map[State]string{
	Unknown:            "UNKNOWN",
	NeedCollectionInfo: "NEED_COLLECTION_INFO",
	NeedMarkings:       "NEED_MARKINGS",
	NeedKeys:           "NEED_KEYS",
	NeedKMS:            "NEED_KMS",
	Ready:              "READY",
	NoEncryptionNeeded: "NO_ENCRYPTION_NEEDED",
	Done:               "DONE",
}

// String returns the state's name.
func (s State) String() string {
	if name, ok := states[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal tells whether no further work can be done in state s.
func (s State) Terminal() bool {
	return s == Ready || s == NoEncryptionNeeded || s == Done
}

// Engine creates encryption and decryption contexts.
type Engine interface {
	// EncryptionContext creates a context that encrypts cmd, which
	// targets namespace ns.
	EncryptionContext(ns cluster.Namespace, cmd bsoncore.Document) (Context, error)
	// DecryptionContext creates a context that decrypts the command
	// response resp.
	DecryptionContext(resp bsoncore.Document) (Context, error)
	// Close releases the engine's resources.
	Close() error
}

// Context is one run of the engine's state machine for a single
// command or response.
type Context interface {
	// State returns the context's current state.
	State() State
	// Operation returns the filter or schema document that the
	// current state requests data for. It is valid in the states
	// NeedCollectionInfo, NeedMarkings, and NeedKeys.
	Operation() (bsoncore.Document, error)
	// AddOperationResult supplies one result for the current
	// operation. It may be called zero or more times per state.
	AddOperationResult(doc bsoncore.Document) error
	// CompleteOperation signals that all results for the current
	// operation have been supplied.
	CompleteOperation() error
	// NextKeyDecryptor returns the next pending key decryptor, or
	// nil when there are none left in the current NeedKMS state.
	NextKeyDecryptor() KeyDecryptor
	// CompleteKeyDecryptors signals that every key decryptor has
	// been fed its KMS reply.
	CompleteKeyDecryptors() error
	// Finish returns the transformed document. It is valid only in
	// state Ready.
	Finish() (bsoncore.Document, error)
	// Close releases the context's resources.
	Close()
}

// KeyDecryptor is a single key-unwrap request to a KMS provider.
type KeyDecryptor interface {
	// Endpoint returns the KMS host (optionally with port) that
	// should receive the request.
	Endpoint() (string, error)
	// Message returns the request bytes to send to the KMS.
	Message() ([]byte, error)
	// BytesNeeded returns the number of reply bytes the decryptor
	// still expects; zero means that the decryptor is satisfied.
	BytesNeeded() int
	// Feed supplies reply bytes. Callers must not feed more than
	// BytesNeeded bytes.
	Feed(p []byte) error
}
