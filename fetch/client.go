// Copyright 2024 The Ingester Authors.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

// Package fetch provides the rate limited HTTP client shared by the data
// sources which talk to remote services.
package fetch

import (
	"context"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a single request made by a Client built without an
// explicit http.Client.
const DefaultTimeout = 5 * time.Minute

// Client issues HTTP requests no faster than its limiter allows.
type Client struct {
	HTTP    *http.Client
	Limiter *rate.Limiter
}

// ClientOption is a functional option for Client.
type ClientOption func(c *Client)

// OptHTTPClient makes the Client use hc.
func OptHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.HTTP = hc
		}
	}
}

// OptRateLimit limits the Client to rps requests per second. Zero or less
// means unlimited.
func OptRateLimit(rps float64) ClientOption {
	return func(c *Client) {
		if rps > 0 {
			c.Limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// NewClient returns a Client which is unlimited unless configured otherwise.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		HTTP:    &http.Client{Timeout: DefaultTimeout},
		Limiter: rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do waits for the limiter and sends req with ctx.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "waiting for rate limiter")
	}
	resp, err := c.HTTP.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL)
	}
	return resp, nil
}

// Save copies body to path, creating parent directories as needed, and
// returns the number of bytes written.
func Save(path string, body io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, errors.Wrap(err, "creating directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "creating file")
	}
	n, err := io.Copy(f, body)
	if err != nil {
		f.Close()
		return n, errors.Wrapf(err, "writing %s", path)
	}
	return n, errors.Wrapf(f.Close(), "closing %s", path)
}

// MediaType returns the media type of a Content-Type header without its
// parameters.
func MediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return mt
}
