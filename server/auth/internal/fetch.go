// Copyright 2024 The Authfleet Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package internal holds the HTTP fetch helper shared by auth packages.
package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/common/logging"
	"github.com/authfleet/authfleet/common/retry"
	"github.com/authfleet/authfleet/common/retry/transient"
)

// fetchDeadline bounds a single fetch attempt.
const fetchDeadline = 10 * time.Second

// Request is a fetch of a JSON endpoint.
type Request struct {
	Method  string            // HTTP method
	URL     string            // URL to access
	Headers map[string]string // additional headers to send
	Body    []byte            // request body, if any
	Out     any               // JSON-deserialized into this value
	RawOut  *[]byte           // raw response body, for non-JSON endpoints
}

// Do performs the request, retrying transient failures with a small fixed
// budget.
//
// 5xx responses and connection-level failures are transient, other non-2xx
// responses are fatal. Redirects are not followed.
func (r *Request) Do(ctx context.Context) error {
	return retry.Retry(ctx, transient.Only(retry.Default), func() error {
		return r.doOnce(ctx)
	}, func(err error, wait time.Duration) {
		logging.Warningf(ctx, "auth: transient error fetching %q, retrying in %s - %s", r.URL, wait, err)
	})
}

func (r *Request) doOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, fetchDeadline)
	defer cancel()

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return errors.Annotate(err, "auth: bad request to %q", r.URL).Err()
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := clientFromContext(ctx).Do(req)
	if err != nil {
		return transient.Tag.Apply(errors.Annotate(err, "auth: failed to fetch %q", r.URL).Err())
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return transient.Tag.Apply(errors.Annotate(err, "auth: failed to read response of %q", r.URL).Err())
	}

	if resp.StatusCode >= 300 {
		err := errors.Reason("auth: unexpected HTTP code (%d) when fetching %q", resp.StatusCode, r.URL).Err()
		if resp.StatusCode >= 500 {
			err = transient.Tag.Apply(err)
		}
		return err
	}

	if r.RawOut != nil {
		*r.RawOut = blob
	}
	if r.Out != nil {
		if err := json.Unmarshal(blob, r.Out); err != nil {
			return errors.Annotate(err, "auth: can't deserialize JSON from %q", r.URL).Err()
		}
	}
	return nil
}

// clientFromContext returns the http.Client to use for fetches.
//
// Tests substitute the transport via WithTestTransport.
func clientFromContext(ctx context.Context) *http.Client {
	if t, ok := ctx.Value(&testTransportKey).(http.RoundTripper); ok {
		return &http.Client{Transport: t}
	}
	return &http.Client{
		// Redirects are disabled: the endpoints fetched here must answer
		// directly, a redirect is a misconfiguration or an attack.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
