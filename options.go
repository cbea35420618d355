// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package autocrypt

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/autocrypt/cluster"
	"github.com/grailbio/autocrypt/keyvault"
	"github.com/grailbio/autocrypt/kms"
	"github.com/grailbio/autocrypt/marker"
	"github.com/grailbio/base/errors"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// DefaultMongocryptdURI is the address of a locally spawned mongocryptd.
const DefaultMongocryptdURI = "mongodb://localhost:27020"

// Options configures automatic encryption.
type Options struct {
	// KeyVaultNamespace is the "db.coll" namespace of the key vault.
	KeyVaultNamespace string
	// KMSProviders holds the credentials of each KMS provider.
	KMSProviders kms.Providers
	// SchemaMap configures namespaces ("db.coll") locally. Namespaces
	// absent from the map have their schema looked up on the server.
	SchemaMap map[string]AutoEncryptOptions
	// Extra holds the mongocryptd options.
	Extra ExtraOptions
}

// AutoEncryptOptions configures automatic encryption of a namespace.
type AutoEncryptOptions struct {
	// Enabled tells whether commands on the namespace are encrypted.
	Enabled bool
	// Schema is the namespace's JSON schema. If nil, the schema is
	// looked up in the collection's metadata.
	Schema bsoncore.Document
}

// ExtraOptions configures the marking process.
type ExtraOptions struct {
	// MongocryptdURI is the address of mongocryptd.
	MongocryptdURI string
	// MongocryptdBypassSpawn disables process management:
	// mongocryptd is assumed to be running at MongocryptdURI.
	MongocryptdBypassSpawn bool
	// MongocryptdSpawnPath is the mongocryptd binary.
	MongocryptdSpawnPath string
	// MongocryptdSpawnArgs are extra mongocryptd arguments.
	MongocryptdSpawnArgs []string
}

// SetDefaults fills in unset options with their defaults.
func (o *Options) SetDefaults() {
	if o.KeyVaultNamespace == "" {
		o.KeyVaultNamespace = keyvault.DefaultNamespace.String()
	}
	if o.Extra.MongocryptdURI == "" {
		o.Extra.MongocryptdURI = DefaultMongocryptdURI
	}
	if o.Extra.MongocryptdSpawnPath == "" {
		o.Extra.MongocryptdSpawnPath = marker.DefaultPath
	}
}

// Validate checks that the options are complete and well formed.
func (o *Options) Validate() error {
	if _, err := cluster.ParseNamespace(o.KeyVaultNamespace); err != nil {
		return errors.E("autocrypt: key vault namespace", err)
	}
	if len(o.KMSProviders) == 0 {
		return errors.E(errors.Invalid, "autocrypt: no KMS providers configured")
	}
	for name := range o.KMSProviders {
		if name != kms.AWS && name != kms.Local {
			return errors.E(errors.Invalid, fmt.Sprintf("autocrypt: unsupported KMS provider %q", name))
		}
	}
	for ns, opts := range o.SchemaMap {
		if _, err := cluster.ParseNamespace(ns); err != nil {
			return errors.E("autocrypt: schema map", err)
		}
		if opts.Schema != nil {
			if err := opts.Schema.Validate(); err != nil {
				return errors.E(errors.Invalid, "autocrypt: schema for", ns, err)
			}
		}
	}
	if o.Extra.MongocryptdURI == "" {
		return errors.E(errors.Invalid, "autocrypt: missing mongocryptd URI")
	}
	return nil
}

// KMSProvidersDocument returns the engine's kmsProviders document.
// Missing AWS credentials are filled in from sess, which may be nil.
func (o *Options) KMSProvidersDocument(sess *session.Session) (bsoncore.Document, error) {
	providers, err := o.KMSProviders.Resolve(sess)
	if err != nil {
		return nil, errors.E("autocrypt: kms providers", err)
	}
	return providers.Document()
}

// LocalSchemaMap returns the schemas configured for enabled
// namespaces.
func (o *Options) LocalSchemaMap() map[string]bsoncore.Document {
	m := make(map[string]bsoncore.Document)
	for ns, opts := range o.SchemaMap {
		if opts.Enabled && opts.Schema != nil {
			m[ns] = opts.Schema
		}
	}
	return m
}

// Spawner returns the spawner of the marking process, or nil if
// spawning is bypassed.
func (o *Options) Spawner() marker.Spawner {
	if o.Extra.MongocryptdBypassSpawn {
		return nil
	}
	return &marker.Exec{
		Path: o.Extra.MongocryptdSpawnPath,
		Args: o.Extra.MongocryptdSpawnArgs,
	}
}
