// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package marker_test

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"

	"github.com/grailbio/autocrypt/cluster/clustertest"
	"github.com/grailbio/autocrypt/marker"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

var (
	command = bsoncore.NewDocumentBuilder().
		AppendString("find", "test").
		AppendDocument("filter", bsoncore.NewDocumentBuilder().AppendString("ssn", "457-55-5462").Build()).
		Build()
	schema = bsoncore.NewDocumentBuilder().
		AppendString("bsonType", "object").
		Build()
	marked = bsoncore.NewDocumentBuilder().
		AppendInt32("ok", 1).
		AppendDocument("result", command).
		Build()
)

type spawnCounter struct {
	n   int32
	err error
}

func (s *spawnCounter) Spawn(ctx context.Context) error {
	atomic.AddInt32(&s.n, 1)
	return s.err
}

func (s *spawnCounter) count() int { return int(atomic.LoadInt32(&s.n)) }

// timeouts returns a RunCommandFunc that times out n times before
// replying with marked.
func timeouts(n int32) func(ctx context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
	var calls int32
	return func(ctx context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
		if atomic.AddInt32(&calls, 1) <= n {
			return nil, errors.E(errors.Timeout, "server selection")
		}
		return marked, nil
	}
}

func TestMark(t *testing.T) {
	var (
		spawner spawnCounter
		binding = &clustertest.Binding{RunCommandFunc: timeouts(0)}
		m       = marker.New(binding, &spawner)
	)
	reply, err := m.Mark(context.Background(), "db", schema, command)
	require.NoError(t, err)
	assert.Equal(t, marked, reply)
	assert.Equal(t, 1, spawner.count())

	cmds := binding.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "db", cmds[0].DB)
	assert.Equal(t, readpref.PrimaryMode, cmds[0].ReadPref.Mode())
	assert.Equal(t, schema, cmds[0].Cmd.Lookup(marker.SchemaKey).Document())
	assert.Equal(t, "test", cmds[0].Cmd.Lookup("find").StringValue())

	// The process is started only once.
	_, err = m.Mark(context.Background(), "db", schema, command)
	require.NoError(t, err)
	assert.Equal(t, 1, spawner.count())
}

func TestMarkTimeoutRetry(t *testing.T) {
	var (
		spawner spawnCounter
		binding = &clustertest.Binding{RunCommandFunc: timeouts(1)}
	)
	reply, err := marker.New(binding, &spawner).Mark(context.Background(), "db", schema, command)
	require.NoError(t, err)
	assert.Equal(t, marked, reply)
	assert.Equal(t, 2, spawner.count())
	cmds := binding.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, cmds[0].Cmd, cmds[1].Cmd)
}

func TestMarkTimeoutTwice(t *testing.T) {
	var (
		spawner spawnCounter
		binding = &clustertest.Binding{RunCommandFunc: timeouts(1000)}
	)
	_, err := marker.New(binding, &spawner).Mark(context.Background(), "db", schema, command)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Timeout, err), "got %v", err)
	assert.Len(t, binding.Commands(), 2)
	assert.Equal(t, 2, spawner.count())
}

func TestMarkOtherError(t *testing.T) {
	var (
		spawner spawnCounter
		binding = &clustertest.Binding{
			RunCommandFunc: func(ctx context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
				return nil, errors.E(errors.Invalid, "bad schema")
			},
		}
	)
	_, err := marker.New(binding, &spawner).Mark(context.Background(), "db", schema, command)
	assert.True(t, errors.Is(errors.Invalid, err), "got %v", err)
	assert.Len(t, binding.Commands(), 1)
	assert.Equal(t, 1, spawner.count())
}

func TestMarkSpawnError(t *testing.T) {
	var (
		spawner = spawnCounter{err: errors.E(errors.Unavailable, "marker: start mongocryptd")}
		binding = new(clustertest.Binding)
		m       = marker.New(binding, &spawner)
	)
	_, err := m.Mark(context.Background(), "db", schema, command)
	assert.True(t, errors.Is(errors.Unavailable, err), "got %v", err)
	assert.Len(t, binding.Commands(), 0)
	assert.Equal(t, 1, spawner.count())

	// A failed start is attempted again by the next call.
	spawner.err = nil
	_, err = m.Mark(context.Background(), "db", schema, command)
	require.NoError(t, err)
	assert.Equal(t, 2, spawner.count())
	assert.Len(t, binding.Commands(), 1)
}

func TestMarkBypassSpawn(t *testing.T) {
	binding := &clustertest.Binding{RunCommandFunc: timeouts(1)}
	_, err := marker.New(binding, nil).Mark(context.Background(), "db", schema, command)
	assert.True(t, errors.Is(errors.Timeout, err), "got %v", err)
	assert.Len(t, binding.Commands(), 1)
}

func TestMarkConcurrentStart(t *testing.T) {
	const N = 16
	var (
		spawner spawnCounter
		binding = &clustertest.Binding{RunCommandFunc: timeouts(0)}
		m       = marker.New(binding, &spawner)
	)
	err := traverse.Each(N, func(_ int) error {
		_, err := m.Mark(context.Background(), "db", schema, command)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, spawner.count())
	assert.Len(t, binding.Commands(), N)
}

func TestAppendSchema(t *testing.T) {
	orig := append(bsoncore.Document(nil), command...)
	doc, err := marker.AppendSchema(command, schema)
	require.NoError(t, err)
	require.NoError(t, doc.Validate())
	assert.True(t, bytes.Equal(orig, command), "command was modified")

	elems, err := doc.Elements()
	require.NoError(t, err)
	require.Len(t, elems, 3)
	assert.Equal(t, "find", elems[0].Key())
	assert.Equal(t, "filter", elems[1].Key())
	assert.Equal(t, marker.SchemaKey, elems[2].Key())
	assert.Equal(t, schema, elems[2].Value().Document())

	empty, err := marker.AppendSchema(command, nil)
	require.NoError(t, err)
	assert.Equal(t, bsoncore.NewDocumentBuilder().Build(), empty.Lookup(marker.SchemaKey).Document())

	for _, bad := range []bsoncore.Document{nil, {1, 2}, command[:len(command)-1]} {
		_, err := marker.AppendSchema(bad, schema)
		assert.True(t, errors.Is(errors.Invalid, err), "got %v", err)
	}
}
