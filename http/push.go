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

// Package http exposes the push receiver over HTTP.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jcu-dc24/ingester"
	"github.com/jcu-dc24/ingester/push"
	"github.com/pkg/errors"
)

// Invoker runs a dataset outside of its schedule.
type Invoker interface {
	Invoke(ctx context.Context, datasetID int64) error
}

// PushHandler receives files for push datasets. Each POST body is delivered
// into the dataset's inbox and the dataset is invoked so the file is
// ingested without waiting for the next sampling.
type PushHandler struct {
	datasets ingester.SchemaResolver
	invoker  Invoker
	log      ingester.Logger
	now      func() time.Time
	router   *mux.Router
}

// PushHandlerOption is a functional option type for PushHandler.
type PushHandlerOption func(h *PushHandler)

// WithLogger is an option for PushHandler which sets its logger.
func WithLogger(l ingester.Logger) PushHandlerOption {
	return func(h *PushHandler) {
		h.log = l
	}
}

// WithClock is an option for PushHandler which sets the clock used to name
// delivered files.
func WithClock(now func() time.Time) PushHandlerOption {
	return func(h *PushHandler) {
		h.now = now
	}
}

// NewPushHandler creates a PushHandler which looks datasets up in datasets
// and invokes them through invoker.
func NewPushHandler(datasets ingester.SchemaResolver, invoker Invoker, opts ...PushHandlerOption) *PushHandler {
	h := &PushHandler{
		datasets: datasets,
		invoker:  invoker,
		log:      ingester.NopLogger{},
		now:      time.Now,
		router:   mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.Register(h.router)
	return h
}

// Register adds the push route to r.
func (h *PushHandler) Register(r *mux.Router) {
	r.HandleFunc("/push/{dataset:[0-9]+}", h.handlePush)
}

// ServeHTTP implements http.Handler for PushHandler.
func (h *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// PushResponse is the body of a successful push.
type PushResponse struct {
	Dataset int64  `json:"dataset"`
	File    string `json:"file"`
	Invoked bool   `json:"invoked"`
}

func (h *PushHandler) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, errors.Errorf("unsupported method: %v", r.Method).Error(), http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["dataset"], 10, 64)
	if err != nil {
		http.Error(w, "invalid dataset id", http.StatusBadRequest)
		return
	}
	ds, err := h.datasets.GetDataset(id)
	if ingester.IsNotFound(err) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		h.log.Printf("push to dataset %d: %v", id, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ds.DataSource == nil || (ds.DataSource.Kind != push.Kind && ds.DataSource.Kind != push.KindAlias) {
		http.Error(w, errors.Errorf("dataset %d is not a push dataset", id).Error(), http.StatusBadRequest)
		return
	}
	inbox := ds.DataSource.Params["path"]
	if inbox == "" {
		http.Error(w, errors.Errorf("dataset %d has no inbox path", id).Error(), http.StatusConflict)
		return
	}
	name, err := push.Deliver(inbox, h.now(), r.Body)
	if err != nil {
		h.log.Printf("delivering push to dataset %d: %v", id, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := PushResponse{Dataset: id, File: name, Invoked: true}
	// the file stays in the inbox for the next run if this one can't start
	if err := h.invoker.Invoke(r.Context(), id); err != nil {
		resp.Invoked = false
		if !ingester.IsAlreadyRunning(err) {
			h.log.Printf("invoking dataset %d after push: %v", id, err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Printf("writing push response: %v", err)
	}
}
