// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package enginetest provides a scripted engine.Engine for testing
// code that drives engine contexts. A scripted context walks through
// a fixed sequence of steps, and records every call made to it so
// that tests can verify the protocol followed by the driver.
package enginetest

import (
	"fmt"
	"sync"

	"github.com/grailbio/autocrypt/cluster"
	"github.com/grailbio/autocrypt/engine"
	"github.com/grailbio/base/errors"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// Step is one state visit of a scripted context.
type Step struct {
	// State is the state reported during this step.
	State engine.State
	// Operation is returned by Context.Operation during this step.
	Operation bsoncore.Document
	// Decryptors are handed out by Context.NextKeyDecryptor during
	// a NeedKMS step.
	Decryptors []Decryptor
	// Result is returned by Context.Finish during a Ready step.
	Result bsoncore.Document
	// Err, if set, is returned by the call that completes the step.
	Err error
}

// Decryptor describes a scripted key decryptor.
type Decryptor struct {
	Endpoint string
	Message  []byte
	// Need is the total number of bytes the decryptor expects.
	Need int
}

// Engine is a scripted engine.Engine. Each context it creates runs
// through a private copy of Steps.
type Engine struct {
	Steps []Step
	// Err, if set, is returned when creating contexts.
	Err error

	mu       sync.Mutex
	contexts []*Context
	closed   bool
}

var _ engine.Engine = (*Engine)(nil)

// New returns an engine that scripts its contexts with the provided steps.
func New(steps ...Step) *Engine {
	return &Engine{Steps: steps}
}

// EncryptionContext implements engine.Engine.
func (e *Engine) EncryptionContext(ns cluster.Namespace, cmd bsoncore.Document) (engine.Context, error) {
	return e.newContext(ns, cmd)
}

// DecryptionContext implements engine.Engine.
func (e *Engine) DecryptionContext(resp bsoncore.Document) (engine.Context, error) {
	return e.newContext(cluster.Namespace{}, resp)
}

func (e *Engine) newContext(ns cluster.Namespace, input bsoncore.Document) (engine.Context, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	c := &Context{Namespace: ns, Input: input, steps: make([]Step, len(e.Steps))}
	copy(c.steps, e.Steps)
	e.mu.Lock()
	e.contexts = append(e.contexts, c)
	e.mu.Unlock()
	return c, nil
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// Closed tells whether the engine was closed.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Contexts returns the contexts created so far, in order.
func (e *Engine) Contexts() []*Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Context(nil), e.contexts...)
}

// Context is a scripted engine.Context.
type Context struct {
	// Namespace is the namespace passed to EncryptionContext.
	Namespace cluster.Namespace
	// Input is the command or response the context was created with.
	Input bsoncore.Document
	// Results holds the operation results supplied for each step.
	Results map[int][]bsoncore.Document
	// Calls records every method invoked, e.g., "State", "Operation".
	Calls []string
	// Decryptors holds the decryptors handed out, in order.
	Decryptors []*KeyDecryptor

	steps  []Step
	pos    int
	next   int
	closed bool
}

var _ engine.Context = (*Context)(nil)

func (c *Context) step() *Step {
	if c.pos >= len(c.steps) {
		return nil
	}
	return &c.steps[c.pos]
}

func (c *Context) advance() error {
	s := c.step()
	c.pos++
	c.next = 0
	if s != nil && s.Err != nil {
		return s.Err
	}
	return nil
}

func (c *Context) expect(state engine.State, method string) (*Step, error) {
	if c.closed {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("enginetest: %s on closed context", method))
	}
	s := c.step()
	if s == nil || s.State != state {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("enginetest: %s in state %s", method, c.state()))
	}
	return s, nil
}

func (c *Context) expectOperation(method string) (*Step, error) {
	s := c.step()
	if s == nil {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("enginetest: %s after last step", method))
	}
	switch s.State {
	case engine.NeedCollectionInfo, engine.NeedMarkings, engine.NeedKeys:
		return c.expect(s.State, method)
	}
	return nil, errors.E(errors.Precondition, fmt.Sprintf("enginetest: %s in state %s", method, s.State))
}

// State implements engine.Context. A context that has run past its
// last step reports engine.Done.
func (c *Context) State() engine.State {
	c.Calls = append(c.Calls, "State")
	return c.state()
}

func (c *Context) state() engine.State {
	if s := c.step(); s != nil {
		return s.State
	}
	return engine.Done
}

// Operation implements engine.Context.
func (c *Context) Operation() (bsoncore.Document, error) {
	c.Calls = append(c.Calls, "Operation")
	s, err := c.expectOperation("Operation")
	if err != nil {
		return nil, err
	}
	return s.Operation, nil
}

// AddOperationResult implements engine.Context.
func (c *Context) AddOperationResult(doc bsoncore.Document) error {
	c.Calls = append(c.Calls, "AddOperationResult")
	if _, err := c.expectOperation("AddOperationResult"); err != nil {
		return err
	}
	if c.Results == nil {
		c.Results = make(map[int][]bsoncore.Document)
	}
	c.Results[c.pos] = append(c.Results[c.pos], doc)
	return nil
}

// CompleteOperation implements engine.Context.
func (c *Context) CompleteOperation() error {
	c.Calls = append(c.Calls, "CompleteOperation")
	if _, err := c.expectOperation("CompleteOperation"); err != nil {
		return err
	}
	return c.advance()
}

// NextKeyDecryptor implements engine.Context.
func (c *Context) NextKeyDecryptor() engine.KeyDecryptor {
	c.Calls = append(c.Calls, "NextKeyDecryptor")
	s, err := c.expect(engine.NeedKMS, "NextKeyDecryptor")
	if err != nil || c.next >= len(s.Decryptors) {
		return nil
	}
	// The previous decryptor must be satisfied before the next is
	// handed out.
	if n := len(c.Decryptors); n > 0 && c.next > 0 && c.Decryptors[n-1].BytesNeeded() > 0 {
		return nil
	}
	d := &KeyDecryptor{Spec: s.Decryptors[c.next]}
	c.next++
	c.Decryptors = append(c.Decryptors, d)
	return d
}

// CompleteKeyDecryptors implements engine.Context. It fails if any
// decryptor of the current step was not handed out or not satisfied.
func (c *Context) CompleteKeyDecryptors() error {
	c.Calls = append(c.Calls, "CompleteKeyDecryptors")
	s, err := c.expect(engine.NeedKMS, "CompleteKeyDecryptors")
	if err != nil {
		return err
	}
	if c.next != len(s.Decryptors) {
		return errors.E(errors.Precondition,
			fmt.Sprintf("enginetest: %d of %d decryptors drained", c.next, len(s.Decryptors)))
	}
	for _, d := range c.Decryptors[len(c.Decryptors)-c.next:] {
		if d.BytesNeeded() > 0 {
			return errors.E(errors.Precondition, "enginetest: decryptor not satisfied")
		}
	}
	return c.advance()
}

// Finish implements engine.Context.
func (c *Context) Finish() (bsoncore.Document, error) {
	c.Calls = append(c.Calls, "Finish")
	s, err := c.expect(engine.Ready, "Finish")
	if err != nil {
		return nil, err
	}
	result := s.Result
	if err := c.advance(); err != nil {
		return nil, err
	}
	return result, nil
}

// Close implements engine.Context.
func (c *Context) Close() {
	c.Calls = append(c.Calls, "Close")
	c.closed = true
}

// Closed tells whether the context was closed.
func (c *Context) Closed() bool {
	return c.closed
}

// Count returns the number of times the named method was called.
func (c *Context) Count(method string) int {
	var n int
	for _, call := range c.Calls {
		if call == method {
			n++
		}
	}
	return n
}

// KeyDecryptor is a scripted engine.KeyDecryptor that accumulates
// the bytes fed to it.
type KeyDecryptor struct {
	Spec Decryptor
	// Fed holds the chunks fed to the decryptor, in order.
	Fed [][]byte
	n   int
}

var _ engine.KeyDecryptor = (*KeyDecryptor)(nil)

// Endpoint implements engine.KeyDecryptor.
func (d *KeyDecryptor) Endpoint() (string, error) { return d.Spec.Endpoint, nil }

// Message implements engine.KeyDecryptor.
func (d *KeyDecryptor) Message() ([]byte, error) { return d.Spec.Message, nil }

// BytesNeeded implements engine.KeyDecryptor.
func (d *KeyDecryptor) BytesNeeded() int { return d.Spec.Need - d.n }

// Feed implements engine.KeyDecryptor. Overfeeding is an error.
func (d *KeyDecryptor) Feed(p []byte) error {
	if len(p) > d.BytesNeeded() {
		return errors.E(errors.Invalid,
			fmt.Sprintf("enginetest: fed %d bytes, %d needed", len(p), d.BytesNeeded()))
	}
	d.Fed = append(d.Fed, append([]byte(nil), p...))
	d.n += len(p)
	return nil
}

// Reply returns all bytes fed to the decryptor.
func (d *KeyDecryptor) Reply() []byte {
	var p []byte
	for _, chunk := range d.Fed {
		p = append(p, chunk...)
	}
	return p
}
