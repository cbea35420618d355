// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cluster defines the database boundary used by the
// auto-encryption collaborators: running a command against a
// database, and running a query against a namespace. Implementations
// choose how to reach a server; the mongo-driver implementation is
// provided by Client.
package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// Namespace is a (database, collection) pair.
type Namespace struct {
	DB, Coll string
}

// ParseNamespace parses a namespace of the form "db.coll". The
// collection name may itself contain dots.
func ParseNamespace(s string) (Namespace, error) {
	i := strings.IndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Namespace{}, errors.E(errors.Invalid, fmt.Sprintf("cluster: invalid namespace %q", s))
	}
	return Namespace{DB: s[:i], Coll: s[i+1:]}, nil
}

// String returns the namespace's full name, "db.coll".
func (n Namespace) String() string {
	return n.DB + "." + n.Coll
}

// CommandNamespace derives the namespace targeted by a command: the
// collection is the string value of the command's first element.
func CommandNamespace(db string, cmd bsoncore.Document) (Namespace, error) {
	elem, err := cmd.IndexErr(0)
	if err != nil {
		return Namespace{}, errors.E(errors.Invalid, "cluster: empty or malformed command", err)
	}
	coll, ok := elem.Value().StringValueOK()
	if !ok || coll == "" {
		return Namespace{}, errors.E(errors.Invalid,
			fmt.Sprintf("cluster: command %q does not name a collection", elem.Key()))
	}
	return Namespace{DB: db, Coll: coll}, nil
}

// A Cursor iterates over the documents returned by a query. Cursors
// must be closed after use.
type Cursor interface {
	// Next advances the cursor, returning false when the cursor is
	// exhausted or an error occurred.
	Next(ctx context.Context) bool
	// Current returns the document at the cursor's current position.
	// The returned document is valid only until the next call to Next.
	Current() bsoncore.Document
	// Err returns the error, if any, that stopped iteration.
	Err() error
	// Close releases the cursor's resources.
	Close(ctx context.Context) error
}

// Binding runs commands and queries against a cluster. A nil read
// concern denotes the server default.
type Binding interface {
	// RunCommand runs cmd against database db and returns the reply.
	RunCommand(ctx context.Context, db string, cmd bsoncore.Document, rp *readpref.ReadPref, rc *readconcern.ReadConcern) (bsoncore.Document, error)
	// Find queries namespace ns with the provided filter.
	Find(ctx context.Context, ns Namespace, filter bsoncore.Document, rp *readpref.ReadPref, rc *readconcern.ReadConcern) (Cursor, error)
}
