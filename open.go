// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package autocrypt

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/autocrypt/cluster"
	"github.com/grailbio/autocrypt/collinfo"
	"github.com/grailbio/autocrypt/engine/libmongocrypt"
	"github.com/grailbio/autocrypt/keyvault"
	"github.com/grailbio/autocrypt/kms"
	"github.com/grailbio/autocrypt/marker"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// mongocryptdServerSelection bounds how long a marking request waits
// for mongocryptd. Exceeding it is taken as a sign that the process
// has exited, and triggers a respawn.
const mongocryptdServerSelection = time.Second

// Open returns a Crypt backed by libmongocrypt. Collection metadata
// is read from the cluster at uri and key documents from the
// cluster at keyVaultURI, which defaults to uri. AWS credentials
// missing from opts are taken from sess, if it is non-nil; its
// region also selects the default AWS KMS endpoint.
func Open(ctx context.Context, opts Options, uri, keyVaultURI string, sess *session.Session) (_ *Crypt, err error) {
	opts.SetDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	kvns, err := cluster.ParseNamespace(opts.KeyVaultNamespace)
	if err != nil {
		return nil, err
	}
	providers, err := opts.KMSProvidersDocument(sess)
	if err != nil {
		return nil, err
	}
	eng, err := libmongocrypt.New(libmongocrypt.Options{
		KMSProviders: providers,
		SchemaMap:    opts.LocalSchemaMap(),
	})
	if err != nil {
		return nil, errors.E("autocrypt: open", err)
	}
	c := &Crypt{engine: eng, schemas: opts.SchemaMap}
	defer func() {
		if err != nil {
			if cerr := c.Close(); cerr != nil {
				log.Error.Printf("autocrypt: close after failed open: %v", cerr)
			}
		}
	}()

	dial := func(uri string, serverSelection time.Duration) (*cluster.Client, error) {
		client, err := cluster.Dial(ctx, uri, serverSelection)
		if err != nil {
			return nil, errors.E("autocrypt: open", err)
		}
		c.closers = append(c.closers, func() error {
			return client.Disconnect(context.Background())
		})
		return client, nil
	}
	data, err := dial(uri, 0)
	if err != nil {
		return nil, err
	}
	vault := data
	if keyVaultURI != "" && keyVaultURI != uri {
		if vault, err = dial(keyVaultURI, 0); err != nil {
			return nil, err
		}
	}
	cryptd, err := dial(opts.Extra.MongocryptdURI, mongocryptdServerSelection)
	if err != nil {
		return nil, err
	}

	dialer := new(kms.Dialer)
	if sess != nil {
		dialer.Region = aws.StringValue(sess.Config.Region)
	}
	c.svc = Services{
		CollectionInfo: collinfo.New(data),
		Marker:         marker.New(cryptd, opts.Spawner()),
		KeyVault:       keyvault.New(vault, kvns),
		KMS:            dialer,
	}
	log.Printf("autocrypt: opened; key vault %s, mongocryptd %s", kvns, opts.Extra.MongocryptdURI)
	return c, nil
}
