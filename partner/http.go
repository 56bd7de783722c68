// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package partner

import (
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/juju/errors"
	jujuhttp "github.com/juju/http/v2"
	"github.com/juju/loggo/v2"
)

// Transport defines a type for making the actual request.
type Transport interface {
	// Do performs the *http.Request and returns a *http.Response or an
	// error if it fails to construct the transport.
	Do(*http.Request) (*http.Response, error)
}

// DefaultHTTPTransport creates a new HTTPTransport.
func DefaultHTTPTransport(logger loggo.Logger) Transport {
	return RequestRecorderHTTPTransport(loggingRequestRecorder{
		logger: logger,
	})(logger)
}

type loggingRequestRecorder struct {
	logger loggo.Logger
}

// Record an outgoing request which produced an http.Response.
func (r loggingRequestRecorder) Record(method string, url *url.URL, res *http.Response, rtt time.Duration) {
	r.logger.Tracef("%s %s -> %d (%s)", method, url, res.StatusCode, rtt)
}

// RecordError an outgoing request which returned back an error.
func (r loggingRequestRecorder) RecordError(method string, url *url.URL, err error) {
	r.logger.Tracef("%s %s -> %v", method, url, err)
}

// RequestRecorderHTTPTransport creates a new HTTPTransport that records
// the requests.
func RequestRecorderHTTPTransport(recorder jujuhttp.RequestRecorder) func(logger loggo.Logger) Transport {
	return func(logger loggo.Logger) Transport {
		return jujuhttp.NewClient(
			jujuhttp.WithRequestRecorder(recorder),
			jujuhttp.WithLogger(logger.Child("transport")),
		)
	}
}

// APIRequester creates a wrapper around the transport to allow for
// better error handling.
type APIRequester struct {
	transport Transport
	logger    loggo.Logger
}

// NewAPIRequester creates a new http.Client for making requests to the
// partner service.
func NewAPIRequester(transport Transport, logger loggo.Logger) *APIRequester {
	return &APIRequester{
		transport: transport,
		logger:    logger,
	}
}

// Do performs the *http.Request and returns a *http.Response or an
// error if it fails to construct the transport.
func (t *APIRequester) Do(req *http.Request) (*http.Response, error) {
	if t.logger.IsTraceEnabled() {
		if data, err := httputil.DumpRequest(req, true); err == nil {
			t.logger.Tracef("%s request %s", req.Method, data)
		} else {
			t.logger.Tracef("%s request DumpRequest error %s", req.Method, err.Error())
		}
	}

	resp, err := t.transport.Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if t.logger.IsTraceEnabled() {
		if data, err := httputil.DumpResponse(resp, true); err == nil {
			t.logger.Tracef("%s response %s", req.Method, data)
		} else {
			t.logger.Tracef("%s response DumpResponse error %s", req.Method, err.Error())
		}
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode <= http.StatusNoContent {
		return resp, nil
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if data, err := httputil.DumpResponse(resp, true); err == nil {
		t.logger.Errorf("response %s", data)
	} else {
		t.logger.Errorf("response DumpResponse error %s", err.Error())
	}
	return nil, errors.Errorf("partner server error %d for %q", resp.StatusCode, req.URL.String())
}
