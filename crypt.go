// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package autocrypt implements automatic client-side field level
// encryption of database commands. A Crypt drives the state machine
// of an encryption engine for each command (or command response),
// supplying the data that the engine requests as it goes:
//
//   - collection metadata, for namespaces whose schema is stored on
//     the server (package collinfo);
//   - markings, the command annotated with the encryption intent of
//     each field, computed by mongocryptd (package marker);
//   - data key documents from the key vault (package keyvault);
//   - replies from the key management services that unwrap the data
//     keys (package kms).
//
// The engine is the only authority on what is still needed: the
// Crypt never caches or reorders the engine's requests, and each
// state is completed only after every piece of data it asked for has
// been supplied.
package autocrypt

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/autocrypt/cluster"
	"github.com/grailbio/autocrypt/engine"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// kmsReadSize is the largest read issued to a KMS stream.
const kmsReadSize = 4096

// maxEmptyReads bounds the consecutive reads that return neither
// data nor an error before a KMS stream is abandoned.
const maxEmptyReads = 100

// CollectionInfo looks up the metadata of schema-bearing collections.
// It is implemented by *collinfo.Retriever.
type CollectionInfo interface {
	// Filter returns the first collection in db that matches filter,
	// or nil if none does.
	Filter(ctx context.Context, db string, filter bsoncore.Document) (bsoncore.Document, error)
}

// Marker computes markings. It is implemented by *marker.Marker.
type Marker interface {
	// Mark returns the marked form of cmd, computed against schema.
	Mark(ctx context.Context, db string, schema, cmd bsoncore.Document) (bsoncore.Document, error)
}

// KeyVault retrieves data key documents. It is implemented by
// *keyvault.Vault.
type KeyVault interface {
	// Find returns the key documents that match filter, in order.
	Find(ctx context.Context, filter bsoncore.Document) ([]bsoncore.Document, error)
}

// KMS opens streams to key management services. It is implemented
// by *kms.Dialer.
type KMS interface {
	// Stream sends msg to the KMS at endpoint and returns the reply
	// stream. An empty endpoint selects the default AWS KMS endpoint.
	Stream(ctx context.Context, endpoint string, msg []byte) (io.ReadCloser, error)
}

// Services are the collaborators consulted by a Crypt.
type Services struct {
	CollectionInfo CollectionInfo
	Marker         Marker
	KeyVault       KeyVault
	KMS            KMS
}

// Crypt encrypts commands and decrypts command responses. A Crypt
// is safe for concurrent use: each call drives its own engine
// context.
type Crypt struct {
	engine  engine.Engine
	svc     Services
	schemas map[string]AutoEncryptOptions

	// closers release resources acquired by Open.
	closers []func() error
}

// New returns a Crypt that drives contexts from eng, consulting the
// provided services. Schemas configures which namespaces are
// enabled for automatic encryption; see Enabled.
func New(eng engine.Engine, svc Services, schemas map[string]AutoEncryptOptions) *Crypt {
	return &Crypt{engine: eng, svc: svc, schemas: schemas}
}

// Encrypt returns the encrypted form of cmd, a command targeting
// database db. Commands that need no encryption are returned as is.
// The collection targeted by cmd is named by its first field.
func (c *Crypt) Encrypt(ctx context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
	if db == "" {
		return nil, errors.E(errors.Invalid, "autocrypt: encrypt: missing database name")
	}
	if len(cmd) == 0 {
		return nil, errors.E(errors.Invalid, "autocrypt: encrypt: missing command")
	}
	ns, err := cluster.CommandNamespace(db, cmd)
	if err != nil {
		return nil, errors.E("autocrypt: encrypt", err)
	}
	ectx, err := c.engine.EncryptionContext(ns, cmd)
	if err != nil {
		return nil, errors.E("autocrypt: engine", ns.String(), err)
	}
	defer ectx.Close()
	return c.run(ctx, db, cmd, ectx)
}

// Decrypt returns the decrypted form of the command response resp.
// Responses that carry no encrypted fields are returned as is.
func (c *Crypt) Decrypt(ctx context.Context, resp bsoncore.Document) (bsoncore.Document, error) {
	if len(resp) == 0 {
		return nil, errors.E(errors.Invalid, "autocrypt: decrypt: missing command response")
	}
	ectx, err := c.engine.DecryptionContext(resp)
	if err != nil {
		return nil, errors.E("autocrypt: engine", err)
	}
	defer ectx.Close()
	return c.run(ctx, "", resp, ectx)
}

// Enabled tells whether namespace ns is configured for automatic
// encryption. Every namespace is enabled when no schemas are
// configured.
func (c *Crypt) Enabled(ns string) bool {
	if len(c.schemas) == 0 {
		return true
	}
	opts, ok := c.schemas[ns]
	return ok && opts.Enabled
}

// Close releases the engine and any connections made by Open.
func (c *Crypt) Close() error {
	var e errors.Once
	e.Set(c.engine.Close())
	for _, fn := range c.closers {
		e.Set(fn())
	}
	return e.Err()
}

// run drives ectx until it reaches a terminal state. Input is the
// document the context was created with; it is returned as is when
// the engine has nothing to do.
func (c *Crypt) run(ctx context.Context, db string, input bsoncore.Document, ectx engine.Context) (bsoncore.Document, error) {
	for {
		state := ectx.State()
		if db == "" {
			log.Debug.Printf("autocrypt: %s", state)
		} else {
			log.Debug.Printf("autocrypt: %s: %s", db, state)
		}
		var err error
		switch state {
		case engine.NeedCollectionInfo:
			err = c.collectionInfo(ctx, db, ectx)
		case engine.NeedMarkings:
			err = c.markings(ctx, db, input, ectx)
		case engine.NeedKeys:
			err = c.keys(ctx, ectx)
		case engine.NeedKMS:
			err = c.decryptKeys(ctx, ectx)
		case engine.Ready:
			doc, err := ectx.Finish()
			if err != nil {
				return nil, errors.E("autocrypt: engine", err)
			}
			return doc, nil
		case engine.NoEncryptionNeeded, engine.Done:
			return input, nil
		default:
			return nil, errors.E(errors.NotSupported, errors.Fatal,
				fmt.Sprintf("autocrypt: engine: unrecognized state %s", state))
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *Crypt) collectionInfo(ctx context.Context, db string, ectx engine.Context) error {
	filter, err := ectx.Operation()
	if err != nil {
		return errors.E("autocrypt: engine", err)
	}
	info, err := c.svc.CollectionInfo.Filter(ctx, db, filter)
	if err != nil {
		return errors.E("autocrypt: schema lookup", err)
	}
	if info != nil {
		if err := ectx.AddOperationResult(info); err != nil {
			return errors.E("autocrypt: engine", err)
		}
	}
	if err := ectx.CompleteOperation(); err != nil {
		return errors.E("autocrypt: engine", err)
	}
	return nil
}

func (c *Crypt) markings(ctx context.Context, db string, cmd bsoncore.Document, ectx engine.Context) error {
	schema, err := ectx.Operation()
	if err != nil {
		return errors.E("autocrypt: engine", err)
	}
	marked, err := c.svc.Marker.Mark(ctx, db, schema, cmd)
	if err != nil {
		if cerr := ectx.CompleteOperation(); cerr != nil {
			log.Debug.Printf("autocrypt: complete failed marking: %v", cerr)
		}
		return errors.E("autocrypt: marking", err)
	}
	if err := ectx.AddOperationResult(marked); err != nil {
		return errors.E("autocrypt: engine", err)
	}
	if err := ectx.CompleteOperation(); err != nil {
		return errors.E("autocrypt: engine", err)
	}
	return nil
}

func (c *Crypt) keys(ctx context.Context, ectx engine.Context) error {
	filter, err := ectx.Operation()
	if err != nil {
		return errors.E("autocrypt: engine", err)
	}
	keys, err := c.svc.KeyVault.Find(ctx, filter)
	if err != nil {
		return errors.E("autocrypt: key fetch", err)
	}
	for _, key := range keys {
		if err := ectx.AddOperationResult(key); err != nil {
			return errors.E("autocrypt: engine", err)
		}
	}
	if err := ectx.CompleteOperation(); err != nil {
		return errors.E("autocrypt: engine", err)
	}
	return nil
}

// decryptKeys drains every key decryptor of the current state
// before completing it.
func (c *Crypt) decryptKeys(ctx context.Context, ectx engine.Context) error {
	for d := ectx.NextKeyDecryptor(); d != nil; d = ectx.NextKeyDecryptor() {
		if err := c.decryptKey(ctx, d); err != nil {
			return err
		}
	}
	if err := ectx.CompleteKeyDecryptors(); err != nil {
		return errors.E("autocrypt: engine", err)
	}
	return nil
}

// decryptKey sends the decryptor's request to its KMS and feeds it
// the reply. The decryptor is never fed more than it needs.
func (c *Crypt) decryptKey(ctx context.Context, d engine.KeyDecryptor) error {
	endpoint, err := d.Endpoint()
	if err != nil {
		return errors.E("autocrypt: engine", err)
	}
	msg, err := d.Message()
	if err != nil {
		return errors.E("autocrypt: engine", err)
	}
	stream, err := c.svc.KMS.Stream(ctx, endpoint, msg)
	if err != nil {
		return errors.E("autocrypt: key decrypt", endpoint, err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Error.Printf("autocrypt: close kms stream %s: %v", endpoint, err)
		}
	}()
	var (
		buf   = make([]byte, kmsReadSize)
		empty int
	)
	for need := d.BytesNeeded(); need > 0; need = d.BytesNeeded() {
		if need > len(buf) {
			need = len(buf)
		}
		n, err := stream.Read(buf[:need])
		if n > 0 {
			empty = 0
			if err := d.Feed(buf[:n]); err != nil {
				return errors.E("autocrypt: engine", err)
			}
		} else if err == nil {
			if empty++; empty >= maxEmptyReads {
				return errors.E("autocrypt: key decrypt", endpoint, io.ErrNoProgress)
			}
		}
		switch {
		case err == io.EOF:
			if d.BytesNeeded() > 0 {
				return errors.E("autocrypt: key decrypt", endpoint,
					fmt.Sprintf("stream ended with %d bytes outstanding", d.BytesNeeded()), io.ErrUnexpectedEOF)
			}
		case err != nil:
			return errors.E("autocrypt: key decrypt", endpoint, err)
		}
	}
	return nil
}
