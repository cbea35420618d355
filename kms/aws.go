// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kms

import (
	"net/url"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/endpoints"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
)

// CredentialsChainVerboseErrors is used to set
// aws.Config.CredentialsChainVerboseErrors when creating a session.
var CredentialsChainVerboseErrors = false

// DefaultRegion is the AWS region used for KMS when none is configured.
var DefaultRegion = "us-west-2"

// NewSession returns an AWS session in DefaultRegion whose credential
// chain is used to fill in AWS KMS credentials.
func NewSession() (*session.Session, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:                        aws.String(DefaultRegion),
		CredentialsChainVerboseErrors: aws.Bool(CredentialsChainVerboseErrors),
	})
	if err != nil {
		return nil, errors.E("kms: aws session", err)
	}
	return sess, nil
}

// Endpoint returns the host of the AWS KMS endpoint for region, or
// for DefaultRegion if region is empty.
func Endpoint(region string) (string, error) {
	if region == "" {
		region = DefaultRegion
	}
	resolved, err := endpoints.DefaultResolver().EndpointFor("kms", region)
	if err != nil {
		return "", errors.E(errors.Invalid, "kms: resolve endpoint for region", region, err)
	}
	u, err := url.Parse(resolved.URL)
	if err != nil {
		return "", errors.E(errors.Invalid, "kms: endpoint", resolved.URL, err)
	}
	if u.Host == "" {
		return resolved.URL, nil
	}
	return u.Host, nil
}
