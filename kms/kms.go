// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kms implements the client side of key unwrapping through a
// key management service. A KMS request is an opaque, fully formed
// message produced by the encryption engine; the client's only job
// is to deliver it to the KMS host and to hand back the reply as a
// byte stream that the engine consumes incrementally.
//
// The package also resolves KMS provider credentials: AWS
// credentials may be taken from an aws-sdk-go session, and local
// master keys may be stored in a keycrypt secret.
package kms

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// DefaultPort is the port dialed when an endpoint does not name one.
const DefaultPort = "443"

// Dialer opens KMS streams over TLS.
type Dialer struct {
	// TLSConfig is the client TLS configuration. If nil, the default
	// configuration is used.
	TLSConfig *tls.Config
	// Region is the AWS region whose KMS endpoint is dialed when a
	// request carries no endpoint. DefaultRegion is used if empty.
	Region string
	// Timeout bounds connection establishment. Zero means no bound
	// other than the context's.
	Timeout time.Duration
}

// Stream delivers msg to the KMS at endpoint and returns the
// connection from which the reply is read. The caller must close
// the returned stream. If the context carries a deadline, it also
// bounds reads of the reply.
func (d *Dialer) Stream(ctx context.Context, endpoint string, msg []byte) (io.ReadCloser, error) {
	addr, err := d.address(endpoint)
	if err != nil {
		return nil, err
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.Timeout},
		Config:    d.TLSConfig,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.E(errors.Net, "kms: dial", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, errors.E(errors.Net, "kms: set deadline", addr, err)
		}
	}
	if _, err := conn.Write(msg); err != nil {
		if cerr := conn.Close(); cerr != nil {
			log.Error.Printf("kms: close %s: %v", addr, cerr)
		}
		return nil, errors.E(errors.Net, "kms: write request", addr, err)
	}
	log.Debug.Printf("kms: sent %d bytes to %s", len(msg), addr)
	return conn, nil
}

// address returns the host:port to dial for endpoint.
func (d *Dialer) address(endpoint string) (string, error) {
	if endpoint == "" {
		var err error
		if endpoint, err = Endpoint(d.Region); err != nil {
			return "", err
		}
	}
	if _, _, err := net.SplitHostPort(endpoint); err == nil {
		return endpoint, nil
	}
	return net.JoinHostPort(endpoint, DefaultPort), nil
}
