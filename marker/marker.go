// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package marker implements the client of the marking process,
// mongocryptd. The marking process annotates a command with the
// encryption intent of each of its fields, as governed by a JSON
// schema.
//
// The process is started lazily, on first use, and shuts itself down
// after an idle period. A Marker therefore treats a timeout talking
// to the process as a sign that the process has exited: it starts a
// new process and retries the request once.
package marker

import (
	"context"
	"fmt"

	"github.com/grailbio/autocrypt/cluster"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/sync/once"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"golang.org/x/sync/singleflight"
)

// SchemaKey is the command field that carries the schema to the
// marking process.
const SchemaKey = "jsonSchema"

// maxTries bounds the attempts made for a single marking request:
// the initial attempt and one attempt after respawning.
const maxTries = 2

// spawnKey keys the initial spawn in Marker.started.
type spawnKey struct{}

// Marker sends marking requests to mongocryptd.
type Marker struct {
	binding cluster.Binding
	spawner Spawner
	policy  retry.Policy

	started  once.Map
	respawns singleflight.Group
}

// New returns a Marker that sends requests through binding, which
// must be connected to mongocryptd. The process is started by
// spawner; if spawner is nil, the process is assumed to be managed
// elsewhere, and timeouts are returned to the caller without retry.
func New(binding cluster.Binding, spawner Spawner) *Marker {
	return &Marker{
		binding: binding,
		spawner: spawner,
		policy:  retry.MaxTries(nil, maxTries),
	}
}

// Mark returns the marked form of cmd, computed against schema, for
// a command targeting database db. The marking process is started if
// it has not been yet. Failures to start the process are returned
// with kind errors.Unavailable and are not retried.
func (m *Marker) Mark(ctx context.Context, db string, schema, cmd bsoncore.Document) (bsoncore.Document, error) {
	markable, err := AppendSchema(cmd, schema)
	if err != nil {
		return nil, err
	}
	if err := m.start(ctx); err != nil {
		return nil, err
	}
	for retries := 0; ; retries++ {
		reply, err := m.binding.RunCommand(ctx, db, markable, readpref.Primary(), nil)
		if err == nil {
			return reply, nil
		}
		if m.spawner == nil || !errors.Is(errors.Timeout, err) {
			return nil, errors.E("marker: mark", err)
		}
		if werr := retry.Wait(ctx, m.policy, retries+1); werr != nil {
			return nil, errors.E("marker: mark", fmt.Sprintf("after %d attempts", retries+1), err)
		}
		log.Printf("marker: mongocryptd timed out; restarting: %v", err)
		if err := m.respawn(ctx); err != nil {
			return nil, err
		}
	}
}

// start spawns the marking process exactly once across concurrent
// callers. A failed start is forgotten so that a later call may try
// again.
func (m *Marker) start(ctx context.Context) error {
	if m.spawner == nil {
		return nil
	}
	err := m.started.Do(spawnKey{}, func() error { return m.spawner.Spawn(ctx) })
	if err != nil {
		m.started.Forget(spawnKey{})
	}
	return err
}

// respawn starts a replacement process. Concurrent callers that
// observed the same timeout share a single spawn.
func (m *Marker) respawn(ctx context.Context) error {
	_, err, _ := m.respawns.Do("respawn", func() (interface{}, error) {
		return nil, m.spawner.Spawn(ctx)
	})
	return err
}

// AppendSchema returns a copy of cmd with schema appended as the
// field SchemaKey. The command is extended in its encoded form: its
// elements are copied as is, and cmd itself is not modified. A nil
// schema is appended as an empty document.
func AppendSchema(cmd, schema bsoncore.Document) (bsoncore.Document, error) {
	length, _, ok := bsoncore.ReadLength(cmd)
	if !ok || int(length) != len(cmd) || length < 5 || cmd[len(cmd)-1] != 0 {
		return nil, errors.E(errors.Invalid, "marker: malformed command")
	}
	if schema == nil {
		schema = bsoncore.NewDocumentBuilder().Build()
	}
	dst := make([]byte, 0, len(cmd)+len(SchemaKey)+len(schema)+2)
	dst = append(dst, cmd[:len(cmd)-1]...)
	dst = bsoncore.AppendDocumentElement(dst, SchemaKey, schema)
	dst = append(dst, 0x00)
	return bsoncore.UpdateLength(dst, 0, int32(len(dst))), nil
}
