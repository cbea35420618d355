// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

//go:build cse
// +build cse

package libmongocrypt

import (
	"github.com/grailbio/autocrypt/cluster"
	"github.com/grailbio/autocrypt/engine"
	"github.com/grailbio/base/errors"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/mongocrypt"
	"go.mongodb.org/mongo-driver/x/mongo/driver/mongocrypt/options"
)

type mongoCrypt struct {
	crypt *mongocrypt.MongoCrypt
}

// New returns an engine backed by libmongocrypt.
func New(opts Options) (engine.Engine, error) {
	crypt, err := mongocrypt.NewMongoCrypt(options.MongoCrypt().
		SetKmsProviders(opts.KMSProviders).
		SetLocalSchemaMap(opts.SchemaMap))
	if err != nil {
		return nil, errors.E("libmongocrypt: create", err)
	}
	return &mongoCrypt{crypt}, nil
}

func (m *mongoCrypt) EncryptionContext(ns cluster.Namespace, cmd bsoncore.Document) (engine.Context, error) {
	ctx, err := m.crypt.CreateEncryptionContext(ns.DB, cmd)
	if err != nil {
		return nil, errors.E("libmongocrypt: encryption context", ns.String(), err)
	}
	return &cryptContext{ctx}, nil
}

func (m *mongoCrypt) DecryptionContext(resp bsoncore.Document) (engine.Context, error) {
	ctx, err := m.crypt.CreateDecryptionContext(resp)
	if err != nil {
		return nil, errors.E("libmongocrypt: decryption context", err)
	}
	return &cryptContext{ctx}, nil
}

func (m *mongoCrypt) Close() error {
	m.crypt.Close()
	return nil
}

type cryptContext struct {
	ctx *mongocrypt.Context
}

func (c *cryptContext) State() engine.State { return convert(c.ctx.State()) }

// Operation returns the schema, rather than the full marking
// command, in state NeedMarkings; the caller rebuilds the marking
// command from the caller's command.
func (c *cryptContext) Operation() (bsoncore.Document, error) {
	op, err := c.ctx.NextOperation()
	if err != nil {
		return nil, errors.E("libmongocrypt: operation", err)
	}
	if c.ctx.State() == mongocrypt.NeedMongoMarkings {
		return schema(op), nil
	}
	return op, nil
}

func (c *cryptContext) AddOperationResult(doc bsoncore.Document) error {
	if err := c.ctx.AddOperationResult(doc); err != nil {
		return errors.E("libmongocrypt: add operation result", err)
	}
	return nil
}

func (c *cryptContext) CompleteOperation() error {
	if err := c.ctx.CompleteOperation(); err != nil {
		return errors.E("libmongocrypt: complete operation", err)
	}
	return nil
}

func (c *cryptContext) NextKeyDecryptor() engine.KeyDecryptor {
	kctx := c.ctx.NextKmsContext()
	if kctx == nil {
		return nil
	}
	return &keyDecryptor{kctx}
}

func (c *cryptContext) CompleteKeyDecryptors() error {
	if err := c.ctx.FinishKmsContexts(); err != nil {
		return errors.E("libmongocrypt: complete key decryptors", err)
	}
	return nil
}

func (c *cryptContext) Finish() (bsoncore.Document, error) {
	doc, err := c.ctx.Finish()
	if err != nil {
		return nil, errors.E("libmongocrypt: finish", err)
	}
	return doc, nil
}

func (c *cryptContext) Close() { c.ctx.Close() }

type keyDecryptor struct {
	kctx *mongocrypt.KmsContext
}

func (d *keyDecryptor) Endpoint() (string, error) {
	host, err := d.kctx.HostName()
	if err != nil {
		return "", errors.E("libmongocrypt: kms endpoint", d.kctx.KMSProvider(), err)
	}
	return host, nil
}

func (d *keyDecryptor) Message() ([]byte, error) {
	msg, err := d.kctx.Message()
	if err != nil {
		return nil, errors.E("libmongocrypt: kms message", d.kctx.KMSProvider(), err)
	}
	return msg, nil
}

func (d *keyDecryptor) BytesNeeded() int { return int(d.kctx.BytesNeeded()) }

func (d *keyDecryptor) Feed(p []byte) error {
	if err := d.kctx.FeedResponse(p); err != nil {
		return errors.E("libmongocrypt: kms feed", d.kctx.KMSProvider(), err)
	}
	return nil
}
