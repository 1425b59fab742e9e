package attest

import (
	"context"
	"time"
)

// timing defines when deferred operations should be executed
type timing int

const (
	TimingImmediate timing = iota
	TimingEventually
	TimingConsistently
)

// PromiseBase provides common promise functionality
type PromiseBase struct {
	timing  timing
	timeout time.Duration

	ctx    context.Context
	config *Config
}

func (b *PromiseBase) setEventually() {
	b.timing = TimingEventually
	b.timeout = b.config.DefaultRetryTimeout
}

func (b *PromiseBase) setWithin(timeout time.Duration) {
	if b.timing != TimingEventually {
		panic("Within() can only be called after Eventually()")
	}

	b.timeout = timeout
}

func (b *PromiseBase) setConsistently() {
	b.timing = TimingConsistently
	b.timeout = b.config.DefaultRetryTimeout
}

func (b *PromiseBase) setFor(timeout time.Duration) {
	if b.timing != TimingConsistently {
		panic("For() can only be called after Consistently()")
	}

	b.timeout = timeout
}

// HTTPPromise represents a deferred HTTP request against one node
type HTTPPromise struct {
	PromiseBase

	method  string
	url     string
	headers H
	body    []byte
}

// Eventually configures the promise to retry the request until success or timeout
func (p *HTTPPromise) Eventually() *HTTPPromise {
	p.setEventually()
	return p
}

// Within sets a custom timeout for Eventually operations
func (p *HTTPPromise) Within(timeout time.Duration) *HTTPPromise {
	p.setWithin(timeout)
	return p
}

// Consistently configures the promise to verify the request succeeds for the entire duration
func (p *HTTPPromise) Consistently() *HTTPPromise {
	p.setConsistently()
	return p
}

// For sets a custom timeout for Consistently operations
func (p *HTTPPromise) For(timeout time.Duration) *HTTPPromise {
	p.setFor(timeout)
	return p
}

// T creates an assertion to validate the response
func (p *HTTPPromise) T() *HTTPAssert {
	return &HTTPAssert{
		AssertBase: AssertBase{config: p.config},
		promise:    p,
	}
}
