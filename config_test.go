// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package autocrypt_test

import (
	"testing"

	"github.com/grailbio/autocrypt"
	"github.com/grailbio/autocrypt/kms"
	"github.com/grailbio/base/config"
)

func TestConfigOptions(t *testing.T) {
	p := config.New()
	for path, value := range map[string]string{
		"autocrypt/options.key-vault-namespace":       "keys.vault",
		"autocrypt/options.local-key":                 "localfile://autocrypt/master",
		"autocrypt/options.aws-kms":                   "true",
		"autocrypt/options.mongocryptd-idle-shutdown": "10",
	} {
		if err := p.Set(path, value); err != nil {
			t.Fatal(err)
		}
	}
	var opts *autocrypt.Options
	if err := p.Instance("autocrypt/options", &opts); err != nil {
		t.Fatal(err)
	}
	if got, want := opts.KeyVaultNamespace, "keys.vault"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := opts.Extra.MongocryptdURI, autocrypt.DefaultMongocryptdURI; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := opts.KMSProviders[kms.Local][kms.Key], "localfile://autocrypt/master"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, ok := opts.KMSProviders[kms.AWS]; !ok {
		t.Error("aws provider not configured")
	}
	args := opts.Extra.MongocryptdSpawnArgs
	if len(args) != 2 || args[0] != "--idleShutdownTimeoutSecs" || args[1] != "10" {
		t.Errorf("unexpected spawn args %v", args)
	}
}

func TestConfigOptionsInvalid(t *testing.T) {
	p := config.New()
	// No KMS provider is configured.
	var opts *autocrypt.Options
	if err := p.Instance("autocrypt/options", &opts); err == nil {
		t.Error("expected error")
	}
}
