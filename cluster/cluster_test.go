// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"context"
	"testing"

	"github.com/grailbio/base/errors"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

func TestParseNamespace(t *testing.T) {
	for _, c := range []struct {
		in   string
		want Namespace
	}{
		{"admin.datakeys", Namespace{"admin", "datakeys"}},
		{"db.system.buckets.x", Namespace{"db", "system.buckets.x"}},
	} {
		ns, err := ParseNamespace(c.in)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := ns, c.want; got != want {
			t.Errorf("%s: got %v, want %v", c.in, got, want)
		}
		if got, want := ns.String(), c.in; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	for _, bad := range []string{"", "nodot", ".coll", "db."} {
		_, err := ParseNamespace(bad)
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("%q: expected invalid error, got %v", bad, err)
		}
	}
}

func TestCommandNamespace(t *testing.T) {
	cmd := bsoncore.NewDocumentBuilder().
		AppendString("find", "test").
		AppendDocument("filter", bsoncore.NewDocumentBuilder().AppendInt32("x", 1).Build()).
		Build()
	ns, err := CommandNamespace("db", cmd)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ns, (Namespace{"db", "test"}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	agg := bsoncore.NewDocumentBuilder().AppendInt32("aggregate", 1).Build()
	if _, err := CommandNamespace("db", agg); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if _, err := CommandNamespace("db", bsoncore.NewDocumentBuilder().Build()); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	if classify(nil) != nil {
		t.Error("expected nil")
	}
	for _, c := range []struct {
		err  error
		kind errors.Kind
	}{
		{context.Canceled, errors.Canceled},
		{context.DeadlineExceeded, errors.Timeout},
		{timeoutError{}, errors.Timeout},
	} {
		if got := classify(c.err); !errors.Is(c.kind, got) {
			t.Errorf("%v: got %v, want kind %v", c.err, got, c.kind)
		}
	}
}
