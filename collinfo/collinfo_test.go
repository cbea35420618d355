// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collinfo_test

import (
	"context"
	"testing"

	"github.com/grailbio/autocrypt/cluster/clustertest"
	"github.com/grailbio/autocrypt/collinfo"
	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

func reply(docs ...bsoncore.Document) bsoncore.Document {
	arr := bsoncore.NewArrayBuilder()
	for _, doc := range docs {
		arr.AppendDocument(doc)
	}
	return bsoncore.NewDocumentBuilder().
		AppendDocument("cursor", bsoncore.NewDocumentBuilder().
			AppendInt64("id", 0).
			AppendString("ns", "db.$cmd.listCollections").
			AppendArray("firstBatch", arr.Build()).
			Build()).
		AppendInt32("ok", 1).
		Build()
}

func nameFilter(name string) bsoncore.Document {
	return bsoncore.NewDocumentBuilder().AppendString("name", name).Build()
}

func collection(name string) bsoncore.Document {
	return bsoncore.NewDocumentBuilder().
		AppendString("name", name).
		AppendString("type", "collection").
		Build()
}

func TestFilter(t *testing.T) {
	ctx := context.Background()
	binding := &clustertest.Binding{
		RunCommandFunc: func(ctx context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
			return reply(collection("a"), collection("b")), nil
		},
	}
	r := collinfo.New(binding)
	doc, err := r.Filter(ctx, "db", nameFilter("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", doc.Lookup("name").StringValue())

	cmds := binding.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "db", cmds[0].DB)
	assert.Equal(t, readpref.PrimaryPreferredMode, cmds[0].ReadPref.Mode())
	assert.Nil(t, cmds[0].ReadConcern)
	assert.Equal(t, collinfo.Command(nameFilter("a")), cmds[0].Cmd)
}

func TestFilterAbsent(t *testing.T) {
	binding := &clustertest.Binding{
		RunCommandFunc: func(ctx context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
			return reply(), nil
		},
	}
	doc, err := collinfo.New(binding).Filter(context.Background(), "db", nameFilter("missing"))
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestFilterError(t *testing.T) {
	binding := &clustertest.Binding{
		RunCommandFunc: func(ctx context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
			return nil, errors.E(errors.Net, "connection reset")
		},
	}
	_, err := collinfo.New(binding).Filter(context.Background(), "db", nameFilter("a"))
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Net, err))

	binding.RunCommandFunc = func(ctx context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
		return bsoncore.NewDocumentBuilder().AppendInt32("ok", 1).Build(), nil
	}
	_, err = collinfo.New(binding).Filter(context.Background(), "db", nameFilter("a"))
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestCommand(t *testing.T) {
	cmd := collinfo.Command(nameFilter("coll"))
	assert.Equal(t, int32(1), cmd.Lookup("listCollections").Int32())
	and, ok := cmd.Lookup("filter", "$and").ArrayOK()
	require.True(t, ok)
	values, err := and.Values()
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "coll", values[0].Document().Lookup("name").StringValue())
	assert.True(t, values[1].Document().Lookup("options.validator.$jsonSchema", "$exists").Boolean())

	all := collinfo.Command(nil)
	assert.True(t, all.Lookup("filter", "options.validator.$jsonSchema", "$exists").Boolean())
}
