// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package keyvault retrieves data encryption key documents from the
// key vault collection.
package keyvault

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/grailbio/autocrypt/cluster"
	"github.com/grailbio/base/errors"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// DefaultNamespace is the conventional key vault namespace.
var DefaultNamespace = cluster.Namespace{DB: "admin", Coll: "datakeys"}

// uuidSubtype is the BSON binary subtype of RFC 4122 UUIDs.
const uuidSubtype = 0x04

// Vault queries a key vault collection.
type Vault struct {
	binding cluster.Binding
	ns      cluster.Namespace
}

// New returns a Vault for the key vault stored in namespace ns.
func New(binding cluster.Binding, ns cluster.Namespace) *Vault {
	return &Vault{binding, ns}
}

// Namespace returns the vault's namespace.
func (v *Vault) Namespace() cluster.Namespace {
	return v.ns
}

// Find returns every key document that matches filter, in the order
// returned by the server. Key queries select a small, bounded number
// of documents, so the result is materialized in full. The query may
// be served by a secondary, with the default read concern.
func (v *Vault) Find(ctx context.Context, filter bsoncore.Document) (keys []bsoncore.Document, err error) {
	cur, err := v.binding.Find(ctx, v.ns, filter, readpref.PrimaryPreferred(), nil)
	if err != nil {
		return nil, errors.E("keyvault: find", v.ns.String(), err)
	}
	defer func() {
		if cerr := cur.Close(ctx); cerr != nil && err == nil {
			err = errors.E("keyvault: close cursor", cerr)
		}
	}()
	for cur.Next(ctx) {
		// The cursor may reuse its buffer.
		keys = append(keys, append(bsoncore.Document(nil), cur.Current()...))
	}
	if err := cur.Err(); err != nil {
		return nil, errors.E("keyvault: find", v.ns.String(), err)
	}
	return keys, nil
}

// Key returns the key document with the provided id. Key returns an
// error of kind errors.NotExist if the vault holds no such key.
func (v *Vault) Key(ctx context.Context, id uuid.UUID) (bsoncore.Document, error) {
	keys, err := v.Find(ctx, IDFilter(id))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("keyvault: key %s", id))
	}
	return keys[0], nil
}

// IDFilter returns a filter selecting the keys with the provided ids.
func IDFilter(ids ...uuid.UUID) bsoncore.Document {
	arr := bsoncore.NewArrayBuilder()
	for _, id := range ids {
		arr.AppendBinary(uuidSubtype, id[:])
	}
	return bsoncore.NewDocumentBuilder().
		AppendDocument("_id", bsoncore.NewDocumentBuilder().
			AppendArray("$in", arr.Build()).
			Build()).
		Build()
}

// ID returns the UUID of a key document.
func ID(key bsoncore.Document) (uuid.UUID, error) {
	val, err := key.LookupErr("_id")
	if err != nil {
		return uuid.UUID{}, errors.E(errors.Invalid, "keyvault: key has no _id", err)
	}
	subtype, data, ok := val.BinaryOK()
	if !ok || subtype != uuidSubtype {
		return uuid.UUID{}, errors.E(errors.Invalid, "keyvault: key _id is not a UUID")
	}
	id, err := uuid.FromBytes(data)
	if err != nil {
		return uuid.UUID{}, errors.E(errors.Invalid, "keyvault: key _id", err)
	}
	return id, nil
}
