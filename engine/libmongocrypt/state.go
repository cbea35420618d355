// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package libmongocrypt implements engine.Engine over the mongo-driver
// binding to libmongocrypt. The binding requires cgo and the cse
// build tag; without it, New returns an error of kind
// errors.NotSupported.
package libmongocrypt

import (
	"github.com/grailbio/autocrypt/engine"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/mongocrypt"
)

// Options configures the engine.
type Options struct {
	// KMSProviders is the kmsProviders document; see kms.Providers.
	KMSProviders bsoncore.Document
	// SchemaMap holds local JSON schemas keyed by namespace
	// ("db.coll"). Namespaces absent from the map have their schema
	// looked up in collection metadata.
	SchemaMap map[string]bsoncore.Document
}

// convert maps a binding state onto an engine state. States that
// require callbacks the engine interface does not expose, such as
// on-demand KMS credentials, are reported as engine.Unknown.
func convert(s mongocrypt.State) engine.State {
	switch s {
	case mongocrypt.NeedMongoCollInfo:
		return engine.NeedCollectionInfo
	case mongocrypt.NeedMongoMarkings:
		return engine.NeedMarkings
	case mongocrypt.NeedMongoKeys:
		return engine.NeedKeys
	case mongocrypt.NeedKms:
		return engine.NeedKMS
	case mongocrypt.Ready:
		return engine.Ready
	case mongocrypt.Done:
		return engine.Done
	}
	return engine.Unknown
}

// schema returns the JSON schema carried by a marking command built
// by libmongocrypt. A command without one yields an empty schema.
func schema(op bsoncore.Document) bsoncore.Document {
	if val, err := op.LookupErr(schemaKey); err == nil {
		if doc, ok := val.DocumentOK(); ok {
			return doc
		}
	}
	return bsoncore.NewDocumentBuilder().Build()
}

const schemaKey = "jsonSchema"
