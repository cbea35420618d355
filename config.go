// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package autocrypt

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/autocrypt/keyvault"
	"github.com/grailbio/autocrypt/kms"
	"github.com/grailbio/autocrypt/marker"
	"github.com/grailbio/base/config"
	_ "github.com/grailbio/base/config/aws"
)

func init() {
	config.Register("autocrypt/options", func(constr *config.Constructor) {
		var (
			keyVault   = constr.String("key-vault-namespace", keyvault.DefaultNamespace.String(), "the db.coll namespace of the key vault")
			cryptdURI  = constr.String("mongocryptd-uri", DefaultMongocryptdURI, "the address of mongocryptd")
			cryptdPath = constr.String("mongocryptd-path", marker.DefaultPath, "the mongocryptd binary")
			bypass     = constr.Bool("mongocryptd-bypass-spawn", false, "do not start mongocryptd; assume it is running")
			idle       = constr.Int("mongocryptd-idle-shutdown", marker.DefaultIdleShutdown, "seconds after which an idle mongocryptd exits")
			localKey   = constr.String("local-key", "", "keycrypt URL of the local master key; enables the local KMS provider")
			awsKMS     = constr.Bool("aws-kms", false, "enable the AWS KMS provider")
		)
		constr.Doc = "configure automatic field level encryption"
		constr.New = func() (interface{}, error) {
			opts := &Options{
				KeyVaultNamespace: *keyVault,
				KMSProviders:      make(kms.Providers),
				Extra: ExtraOptions{
					MongocryptdURI:         *cryptdURI,
					MongocryptdBypassSpawn: *bypass,
					MongocryptdSpawnPath:   *cryptdPath,
					MongocryptdSpawnArgs:   []string{"--idleShutdownTimeoutSecs", strconv.Itoa(*idle)},
				},
			}
			if *localKey != "" {
				opts.KMSProviders[kms.Local] = map[string]interface{}{kms.Key: *localKey}
			}
			if *awsKMS {
				opts.KMSProviders[kms.AWS] = map[string]interface{}{}
			}
			if err := opts.Validate(); err != nil {
				return nil, err
			}
			return opts, nil
		}
	})

	config.Register("autocrypt", func(constr *config.Constructor) {
		var (
			opts *Options
			sess *session.Session
		)
		constr.InstanceVar(&opts, "options", "autocrypt/options", "the encryption options")
		constr.InstanceVar(&sess, "aws", "aws", "the AWS session used for KMS credentials and region")
		uri := constr.String("uri", "mongodb://localhost:27017", "the address of the data cluster")
		keyVaultURI := constr.String("key-vault-uri", "", "the address of the key vault cluster; defaults to uri")
		constr.Doc = "an automatic field level encryption client"
		constr.New = func() (interface{}, error) {
			return Open(context.Background(), *opts, *uri, *keyVaultURI, sess)
		}
	})
}
