// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package invoke

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MaxHTTPPayload is the largest payload accepted by the HTTP worker.
const MaxHTTPPayload = 64 << 20

// HTTP is an invoker that triggers targets on an HTTP worker (see
// NewServer). The worker acknowledges an invocation with 202 Accepted
// and runs it asynchronously.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP returns an invoker for the worker at the provided base URL.
// If client is nil, http.DefaultClient is used.
func NewHTTP(url string, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{url: strings.TrimSuffix(url, "/"), client: client}
}

// Invoke implements Invoker.
func (h *HTTP) Invoke(ctx context.Context, target string, payload []byte) error {
	url := h.url + "/v1/invoke/" + target
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("invoke %s", target), err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.E(errors.Net, errors.Temporary, fmt.Sprintf("invoke %s", url), err)
	}
	defer resp.Body.Close()
	body, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := fmt.Sprintf("invoke %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	switch code := resp.StatusCode; {
	case code == http.StatusAccepted:
		return nil
	case code == http.StatusTooManyRequests, code == http.StatusServiceUnavailable:
		return errors.E(errors.Unavailable, errors.Temporary, msg)
	case code == http.StatusNotFound:
		return errors.E(errors.NotExist, msg)
	case code >= 400 && code < 500:
		return errors.E(errors.Invalid, msg)
	default:
		return errors.E(errors.Unavailable, msg)
	}
}

// NewServer returns the HTTP worker: a handler that accepts
// invocations at POST /v1/invoke/{target} and runs them through the
// provided local invoker. Throttled invocations are answered with 429
// Too Many Requests. The server also exposes /healthz and Prometheus
// metrics at /metrics.
func NewServer(local *Local) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "ok %d\n", local.InFlight())
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/invoke/{target}", func(w http.ResponseWriter, r *http.Request) {
		target := chi.URLParam(r, "target")
		if !ValidTarget(target) {
			http.Error(w, fmt.Sprintf("invalid target %q", target), http.StatusNotFound)
			return
		}
		payload, err := ioutil.ReadAll(io.LimitReader(r.Body, MaxHTTPPayload+1))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(payload) > MaxHTTPPayload {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		switch err := local.Invoke(r.Context(), target, payload); {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.IsTemporary(err):
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		default:
			log.Error.Printf("invoke %s: %v", target, err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
	})
	return r
}
