// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package clustertest provides in-memory implementations of the
// cluster boundary for testing.
package clustertest

import (
	"context"
	"sync"

	"github.com/grailbio/autocrypt/cluster"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// Command records a call to Binding.RunCommand.
type Command struct {
	DB          string
	Cmd         bsoncore.Document
	ReadPref    *readpref.ReadPref
	ReadConcern *readconcern.ReadConcern
}

// Query records a call to Binding.Find.
type Query struct {
	Namespace   cluster.Namespace
	Filter      bsoncore.Document
	ReadPref    *readpref.ReadPref
	ReadConcern *readconcern.ReadConcern
}

// Binding is a cluster.Binding whose behavior is given by functions.
// All calls are recorded. A nil RunCommandFunc replies {ok: 1}; a
// nil FindFunc returns an empty cursor.
type Binding struct {
	RunCommandFunc func(ctx context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error)
	FindFunc       func(ctx context.Context, ns cluster.Namespace, filter bsoncore.Document) (*Cursor, error)

	mu       sync.Mutex
	commands []Command
	queries  []Query
	cursors  []*Cursor
}

var _ cluster.Binding = (*Binding)(nil)

// RunCommand implements cluster.Binding.
func (b *Binding) RunCommand(ctx context.Context, db string, cmd bsoncore.Document, rp *readpref.ReadPref, rc *readconcern.ReadConcern) (bsoncore.Document, error) {
	b.mu.Lock()
	b.commands = append(b.commands, Command{db, cmd, rp, rc})
	b.mu.Unlock()
	if b.RunCommandFunc == nil {
		return bsoncore.NewDocumentBuilder().AppendInt32("ok", 1).Build(), nil
	}
	return b.RunCommandFunc(ctx, db, cmd)
}

// Find implements cluster.Binding.
func (b *Binding) Find(ctx context.Context, ns cluster.Namespace, filter bsoncore.Document, rp *readpref.ReadPref, rc *readconcern.ReadConcern) (cluster.Cursor, error) {
	b.mu.Lock()
	b.queries = append(b.queries, Query{ns, filter, rp, rc})
	b.mu.Unlock()
	var (
		cur = NewCursor()
		err error
	)
	if b.FindFunc != nil {
		cur, err = b.FindFunc(ctx, ns, filter)
		if err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	b.cursors = append(b.cursors, cur)
	b.mu.Unlock()
	return cur, nil
}

// Commands returns the commands run so far.
func (b *Binding) Commands() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Command(nil), b.commands...)
}

// Queries returns the queries run so far.
func (b *Binding) Queries() []Query {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Query(nil), b.queries...)
}

// Cursors returns the cursors handed out by Find.
func (b *Binding) Cursors() []*Cursor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Cursor(nil), b.cursors...)
}

// Cursor is a cluster.Cursor over a fixed slice of documents. If
// Error is set, iteration stops after the documents are exhausted
// and Err returns it.
type Cursor struct {
	Error error

	docs   []bsoncore.Document
	pos    int
	closed bool
}

var _ cluster.Cursor = (*Cursor)(nil)

// NewCursor returns a cursor that yields the provided documents in order.
func NewCursor(docs ...bsoncore.Document) *Cursor {
	return &Cursor{docs: docs, pos: -1}
}

// Next implements cluster.Cursor.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.closed || c.pos+1 >= len(c.docs) {
		c.pos = len(c.docs)
		return false
	}
	c.pos++
	return true
}

// Current implements cluster.Cursor.
func (c *Cursor) Current() bsoncore.Document {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return nil
	}
	return c.docs[c.pos]
}

// Err implements cluster.Cursor.
func (c *Cursor) Err() error {
	if c.pos >= len(c.docs) {
		return c.Error
	}
	return nil
}

// Close implements cluster.Cursor.
func (c *Cursor) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

// Closed tells whether the cursor was closed.
func (c *Cursor) Closed() bool {
	return c.closed
}
