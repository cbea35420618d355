// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package collinfo retrieves collection metadata for collections
// whose validator declares a JSON schema. The encryption engine uses
// this metadata to find the schema that governs a namespace.
package collinfo

import (
	"context"

	"github.com/grailbio/autocrypt/cluster"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// schemaField is the collection option that holds a validator's
// JSON schema.
const schemaField = "options.validator.$jsonSchema"

// Retriever looks up collection metadata through a cluster binding.
type Retriever struct {
	binding cluster.Binding
}

// New returns a Retriever that issues its queries through binding.
func New(binding cluster.Binding) *Retriever {
	return &Retriever{binding}
}

// Filter returns the metadata of the first collection in database db
// that matches filter and whose validator declares a JSON schema.
// Filter returns a nil document when no collection matches. Metadata
// need not be fresh, so the query may be served by a secondary.
func (r *Retriever) Filter(ctx context.Context, db string, filter bsoncore.Document) (bsoncore.Document, error) {
	reply, err := r.binding.RunCommand(ctx, db, Command(filter), readpref.PrimaryPreferred(), nil)
	if err != nil {
		return nil, errors.E("collinfo: listCollections", db, err)
	}
	batch, err := reply.LookupErr("cursor", "firstBatch")
	if err != nil {
		return nil, errors.E(errors.Invalid, "collinfo: malformed listCollections reply", err)
	}
	arr, ok := batch.ArrayOK()
	if !ok {
		return nil, errors.E(errors.Invalid, "collinfo: listCollections firstBatch is not an array")
	}
	first, err := arr.IndexErr(0)
	if err != nil {
		log.Debug.Printf("collinfo: no schema-bearing collection in %s matches %s", db, filter)
		return nil, nil
	}
	doc, ok := first.DocumentOK()
	if !ok {
		return nil, errors.E(errors.Invalid, "collinfo: listCollections result is not a document")
	}
	return doc, nil
}

// Command returns the listCollections command that selects
// schema-bearing collections matching filter. A nil filter selects
// every such collection.
func Command(filter bsoncore.Document) bsoncore.Document {
	exists := bsoncore.NewDocumentBuilder().
		AppendDocument(schemaField, bsoncore.NewDocumentBuilder().AppendBoolean("$exists", true).Build()).
		Build()
	combined := exists
	if len(filter) > 0 {
		combined = bsoncore.NewDocumentBuilder().
			AppendArray("$and", bsoncore.NewArrayBuilder().
				AppendDocument(filter).
				AppendDocument(exists).
				Build()).
			Build()
	}
	return bsoncore.NewDocumentBuilder().
		AppendInt32("listCollections", 1).
		AppendDocument("filter", combined).
		Build()
}
