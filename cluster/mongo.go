// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"context"
	"time"

	"github.com/grailbio/base/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

var _ Binding = (*Client)(nil)

// Client implements Binding using a mongo-driver client.
type Client struct {
	client *mongo.Client
}

// New returns a Binding that issues commands and queries through
// the provided client.
func New(client *mongo.Client) *Client {
	return &Client{client}
}

// Dial connects to the cluster at uri. A nonzero serverSelection
// bounds how long operations wait for a usable server; operations
// that exceed it fail with an error of kind errors.Timeout.
func Dial(ctx context.Context, uri string, serverSelection time.Duration) (*Client, error) {
	opts := options.Client().ApplyURI(uri)
	if serverSelection > 0 {
		opts.SetServerSelectionTimeout(serverSelection)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.E("cluster: connect", uri, classify(err))
	}
	return New(client), nil
}

// Disconnect closes the underlying client.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// RunCommand implements Binding.
func (c *Client) RunCommand(ctx context.Context, db string, cmd bsoncore.Document, rp *readpref.ReadPref, rc *readconcern.ReadConcern) (bsoncore.Document, error) {
	dbopts := options.Database().SetReadPreference(rp)
	if rc != nil {
		dbopts.SetReadConcern(rc)
	}
	reply, err := c.client.Database(db, dbopts).
		RunCommand(ctx, bson.Raw(cmd), options.RunCmd().SetReadPreference(rp)).
		DecodeBytes()
	if err != nil {
		return nil, classify(err)
	}
	return bsoncore.Document(reply), nil
}

// Find implements Binding.
func (c *Client) Find(ctx context.Context, ns Namespace, filter bsoncore.Document, rp *readpref.ReadPref, rc *readconcern.ReadConcern) (Cursor, error) {
	collopts := options.Collection().SetReadPreference(rp)
	if rc != nil {
		collopts.SetReadConcern(rc)
	}
	cur, err := c.client.Database(ns.DB).Collection(ns.Coll, collopts).Find(ctx, bson.Raw(filter))
	if err != nil {
		return nil, classify(err)
	}
	return &cursor{cur}, nil
}

type cursor struct {
	cur *mongo.Cursor
}

func (c *cursor) Next(ctx context.Context) bool   { return c.cur.Next(ctx) }
func (c *cursor) Current() bsoncore.Document      { return bsoncore.Document(c.cur.Current) }
func (c *cursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

func (c *cursor) Err() error {
	if err := c.cur.Err(); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps driver errors onto error kinds. Server selection
// and socket timeouts are reported as errors.Timeout, which callers
// use to detect an unresponsive server.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case err == context.Canceled:
		return errors.E(errors.Canceled, err)
	case mongo.IsTimeout(err):
		return errors.E(errors.Timeout, err)
	case mongo.IsNetworkError(err):
		return errors.E(errors.Net, err)
	}
	return errors.E(err)
}
