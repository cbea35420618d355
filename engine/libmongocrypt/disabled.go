// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

//go:build !cse
// +build !cse

package libmongocrypt

import (
	"github.com/grailbio/autocrypt/engine"
	"github.com/grailbio/base/errors"
)

// New returns an error: the binary was built without libmongocrypt.
func New(opts Options) (engine.Engine, error) {
	return nil, errors.E(errors.NotSupported, "libmongocrypt: built without the cse tag")
}
