// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kms

import (
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/security/keycrypt"
	_ "github.com/grailbio/base/security/keycrypt/file"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// Provider names.
const (
	AWS   = "aws"
	Local = "local"
)

// LocalKeySize is the size in bytes of a local master key.
const LocalKeySize = 96

// Credential fields.
const (
	AccessKeyID     = "accessKeyId"
	SecretAccessKey = "secretAccessKey"
	SessionToken    = "sessionToken"
	Key             = "key"
)

// Providers maps KMS provider names to their credential fields.
// Field values are strings or byte slices.
type Providers map[string]map[string]interface{}

// Resolve returns a copy of p with its credentials completed:
//
//   - AWS fields that are absent are taken from the credential chain
//     of sess, if sess is non-nil. Explicit fields win.
//   - A local key given as a string is interpreted as a keycrypt URL
//     (e.g., "localfile://autocrypt/master") and replaced by the
//     secret's contents.
//
// Resolve fails if a local key is not LocalKeySize bytes.
func (p Providers) Resolve(sess *session.Session) (Providers, error) {
	resolved := make(Providers, len(p))
	for name, fields := range p {
		dup := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			dup[k] = v
		}
		resolved[name] = dup
	}
	if fields, ok := resolved[AWS]; ok && sess != nil && !hasString(fields, AccessKeyID, SecretAccessKey) {
		creds, err := sess.Config.Credentials.Get()
		if err != nil {
			return nil, errors.E(errors.NotAllowed, "kms: aws credentials", err)
		}
		setDefault(fields, AccessKeyID, creds.AccessKeyID)
		setDefault(fields, SecretAccessKey, creds.SecretAccessKey)
		if creds.SessionToken != "" {
			setDefault(fields, SessionToken, creds.SessionToken)
		}
	}
	if fields, ok := resolved[Local]; ok {
		switch key := fields[Key].(type) {
		case string:
			b, err := keycrypt.Get(key)
			if err != nil {
				return nil, errors.E("kms: local key", key, err)
			}
			fields[Key] = b
		case []byte:
		default:
			return nil, errors.E(errors.Invalid, fmt.Sprintf("kms: local key has type %T", key))
		}
		if n := len(fields[Key].([]byte)); n != LocalKeySize {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("kms: local key is %d bytes, want %d", n, LocalKeySize))
		}
	}
	return resolved, nil
}

// Document renders p as the engine's kmsProviders document. Providers
// and fields appear in sorted order.
func (p Providers) Document() (bsoncore.Document, error) {
	doc := bsoncore.NewDocumentBuilder()
	for _, name := range sortedKeys(p) {
		fields := p[name]
		sub := bsoncore.NewDocumentBuilder()
		for _, k := range sortedKeys(fields) {
			switch v := fields[k].(type) {
			case string:
				sub.AppendString(k, v)
			case []byte:
				sub.AppendBinary(k, 0, v)
			default:
				return nil, errors.E(errors.Invalid, fmt.Sprintf("kms: %s.%s has type %T", name, k, v))
			}
		}
		doc.AppendDocument(name, sub.Build())
	}
	return doc.Build(), nil
}

func hasString(fields map[string]interface{}, keys ...string) bool {
	for _, k := range keys {
		if s, ok := fields[k].(string); !ok || s == "" {
			return false
		}
	}
	return true
}

func setDefault(fields map[string]interface{}, key, value string) {
	if s, ok := fields[key].(string); !ok || s == "" {
		fields[key] = value
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
