// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kms

import (
	"bytes"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/expect"
)

func staticSession(t *testing.T) *session.Session {
	t.Helper()
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(DefaultRegion),
		Credentials: credentials.NewStaticCredentials("AKID", "SECRET", "TOKEN"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestResolveAWS(t *testing.T) {
	sess := staticSession(t)
	p := Providers{AWS: {}}
	resolved, err := p.Resolve(sess)
	if err != nil {
		t.Fatal(err)
	}
	expect.EQ(t, resolved[AWS][AccessKeyID], "AKID")
	expect.EQ(t, resolved[AWS][SecretAccessKey], "SECRET")
	expect.EQ(t, resolved[AWS][SessionToken], "TOKEN")
	// The input is not modified.
	expect.EQ(t, len(p[AWS]), 0)

	explicit := Providers{AWS: {AccessKeyID: "mine", SecretAccessKey: "also mine"}}
	resolved, err = explicit.Resolve(sess)
	if err != nil {
		t.Fatal(err)
	}
	expect.EQ(t, resolved[AWS][AccessKeyID], "mine")
	expect.EQ(t, resolved[AWS][SecretAccessKey], "also mine")
	_, ok := resolved[AWS][SessionToken]
	expect.EQ(t, ok, false)
}

func TestResolveLocal(t *testing.T) {
	key := bytes.Repeat([]byte{0x2a}, LocalKeySize)
	path := filepath.Join(t.TempDir(), "master")
	if err := ioutil.WriteFile(path, key, 0600); err != nil {
		t.Fatal(err)
	}
	resolved, err := Providers{Local: {Key: "file://" + path}}.Resolve(nil)
	if err != nil {
		t.Fatal(err)
	}
	expect.EQ(t, resolved[Local][Key], key)

	resolved, err = Providers{Local: {Key: key}}.Resolve(nil)
	if err != nil {
		t.Fatal(err)
	}
	expect.EQ(t, resolved[Local][Key], key)

	for _, bad := range []interface{}{key[:10], "file://" + path + ".missing", 96} {
		_, err := Providers{Local: {Key: bad}}.Resolve(nil)
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("key %v: expected invalid error, got %v", bad, err)
		}
	}
}

func TestDocument(t *testing.T) {
	key := bytes.Repeat([]byte{1}, LocalKeySize)
	doc, err := Providers{
		Local: {Key: key},
		AWS:   {SecretAccessKey: "secret", AccessKeyID: "id"},
	}.Document()
	if err != nil {
		t.Fatal(err)
	}
	elems, err := doc.Elements()
	if err != nil {
		t.Fatal(err)
	}
	expect.EQ(t, len(elems), 2)
	expect.EQ(t, elems[0].Key(), AWS)
	expect.EQ(t, elems[1].Key(), Local)
	expect.EQ(t, doc.Lookup(AWS, AccessKeyID).StringValue(), "id")
	expect.EQ(t, doc.Lookup(AWS, SecretAccessKey).StringValue(), "secret")
	_, data := doc.Lookup(Local, Key).Binary()
	expect.EQ(t, data, key)

	if _, err := (Providers{AWS: {AccessKeyID: 1}}).Document(); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}
