package attest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// eventually checks that the condition becomes true within the given period.
func eventually(ctx context.Context, condition func() bool, timeout, pollInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
			if condition() {
				return true
			}
		}
	}

	return false
}

// consistently checks that the condition is always true for the given period.
func consistently(ctx context.Context, condition func() bool, timeout, pollInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
			if !condition() {
				return false
			}
		}
	}

	return true
}

// AssertBase provides common assertion functionality.
type AssertBase struct {
	help string

	config *Config
}

func (a *AssertBase) formatHelp() string {
	return "\n\n  " + strings.ReplaceAll(a.help, "\n", "\n  ")
}

// HTTPAssert provides assertions for HTTP response validation.
type HTTPAssert struct {
	AssertBase

	promise        *HTTPPromise
	responseBody   string
	responseStatus int
	requestErr     error

	expectDown     bool
	statusCheckers []Checker[int]
	bodyCheckers   []Checker[string]
	jsonCheckers   []JSONFieldChecker
}

// Status adds expected HTTP response status code checkers.
// All checkers must pass.
func (a *HTTPAssert) Status(checkers ...Checker[int]) *HTTPAssert {
	a.statusCheckers = append(a.statusCheckers, checkers...)
	return a
}

// Body adds expected HTTP response body checkers.
// All checkers must pass.
func (a *HTTPAssert) Body(checkers ...Checker[string]) *HTTPAssert {
	a.bodyCheckers = append(a.bodyCheckers, checkers...)
	return a
}

// JSON adds expected checkers for a JSON field at the given gjson path.
// All checkers must pass.
func (a *HTTPAssert) JSON(path string, checkers ...Checker[string]) *HTTPAssert {
	for _, checker := range checkers {
		a.jsonCheckers = append(a.jsonCheckers, JSONFieldChecker{
			Path:    path,
			Checker: checker,
		})
	}

	return a
}

// Down expects the request itself to fail: connection refused, reset, or
// timed out. Used against crashed or removed nodes.
func (a *HTTPAssert) Down() *HTTPAssert {
	a.expectDown = true
	return a
}

// Assert executes the request per the promise's timing and panics with a
// formatted message if any expectation fails.
func (a *HTTPAssert) Assert(help string) {
	a.help = help

	p := a.promise
	switch p.timing {
	case TimingEventually:
		eventually(p.ctx, a.execute, p.timeout, a.config.RetryPollInterval)
	case TimingConsistently:
		consistently(p.ctx, a.execute, p.timeout, a.config.RetryPollInterval)
	default:
		a.execute()
	}

	a.check()
}

func (a *HTTPAssert) execute() bool {
	p := a.promise

	status, body, err := doRequest(p.ctx, a.config, p.method, p.url, p.headers, p.body)
	a.requestErr = err
	if err != nil {
		return a.expectDown
	}

	a.responseStatus = status
	a.responseBody = body

	return !a.expectDown &&
		checkAll(a.responseStatus, a.statusCheckers, nil) &&
		checkAll(a.responseBody, a.bodyCheckers, nil) &&
		checkAllJSON(a.responseBody, a.jsonCheckers, nil)
}

func (a *HTTPAssert) check() {
	p := a.promise

	if a.expectDown {
		if a.requestErr == nil {
			panic(fmt.Sprintf("%s %s\n  Expected the node to be unreachable\n  Actual status: %d%s",
				p.method, p.url, a.responseStatus, a.formatHelp()))
		}

		return
	}

	if a.requestErr != nil {
		panic(fmt.Sprintf("%s %s\n  Request failed: %v%s", p.method, p.url, a.requestErr, a.formatHelp()))
	}

	checkAll(a.responseStatus, a.statusCheckers, func(m Checker[int], actual int) {
		msg := fmt.Sprintf("%s %s\n  Expected status: %s\n  Actual status: %d %s%s",
			p.method, p.url, m.Expected(), actual,
			http.StatusText(actual), a.formatHelp())
		panic(msg)
	})

	checkAll(a.responseBody, a.bodyCheckers, func(m Checker[string], actual string) {
		msg := fmt.Sprintf("%s %s\n  Expected response: %s\n  Actual response: %q%s",
			p.method, p.url, m.Expected(), actual, a.formatHelp())
		panic(msg)
	})

	checkAllJSON(a.responseBody, a.jsonCheckers, func(m JSONFieldChecker, actual any) {
		msg := fmt.Sprintf("%s %s\n  Expected JSON field %q: %s\n  Actual value: %v%s",
			p.method, p.url, m.Path, m.Checker.Expected(), actual, a.formatHelp())
		panic(msg)
	})
}

// doRequest performs one HTTP request with the configured timeout.
func doRequest(ctx context.Context, config *Config, method, url string, headers H, body []byte) (int, string, error) {
	client := &http.Client{Timeout: config.ExecuteTimeout}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("An error occurred: %v", err))
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", err
	}

	return resp.StatusCode, string(responseBody), nil
}
