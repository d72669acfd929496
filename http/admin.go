package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/jcu-dc24/ingester"
	"github.com/pkg/errors"
)

// EventLog gives read access to a dataset's ingester events.
type EventLog interface {
	GetIngesterEvents(datasetID int64) ([]*ingester.Event, error)
}

// AdminHandler lets operators invoke datasets and read their event logs on
// a running node.
type AdminHandler struct {
	events  EventLog
	invoker Invoker
	log     ingester.Logger
}

// NewAdminHandler returns an AdminHandler reading events from events and
// invoking datasets through invoker.
func NewAdminHandler(events EventLog, invoker Invoker, log ingester.Logger) *AdminHandler {
	if log == nil {
		log = ingester.NopLogger{}
	}
	return &AdminHandler{events: events, invoker: invoker, log: log}
}

// Register adds the admin routes to r.
func (h *AdminHandler) Register(r *mux.Router) {
	r.HandleFunc("/datasets/{dataset:[0-9]+}/invoke", h.handleInvoke)
	r.HandleFunc("/datasets/{dataset:[0-9]+}/events", h.handleEvents)
}

func datasetVar(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["dataset"], 10, 64)
}

// statusOf maps the ingester's sentinel errors to HTTP status codes.
func statusOf(err error) int {
	switch errors.Cause(err) {
	case ingester.ErrNotFound:
		return http.StatusNotFound
	case ingester.ErrAlreadyRunning:
		return http.StatusConflict
	case ingester.ErrDisabled, ingester.ErrNoDataSource:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *AdminHandler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, errors.Errorf("unsupported method: %v", r.Method).Error(), http.StatusMethodNotAllowed)
		return
	}
	id, err := datasetVar(r)
	if err != nil {
		http.Error(w, "invalid dataset id", http.StatusBadRequest)
		return
	}
	if err := h.invoker.Invoke(r.Context(), id); err != nil {
		code := statusOf(err)
		if code == http.StatusInternalServerError {
			h.log.Printf("invoking dataset %d: %v", id, err)
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *AdminHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, errors.Errorf("unsupported method: %v", r.Method).Error(), http.StatusMethodNotAllowed)
		return
	}
	id, err := datasetVar(r)
	if err != nil {
		http.Error(w, "invalid dataset id", http.StatusBadRequest)
		return
	}
	events, err := h.events.GetIngesterEvents(id)
	if err != nil {
		h.log.Printf("getting events of dataset %d: %v", id, err)
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	if events == nil {
		events = []*ingester.Event{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(events); err != nil {
		h.log.Printf("writing events response: %v", err)
	}
}

// Client calls the admin routes of a running node.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient returns a Client for the node listening at addr, which may omit
// the scheme.
func NewClient(addr string, hc *http.Client) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(addr, "/"), hc: hc}
}

// Invoke implements Invoker. Errors reported by the node are returned
// wrapping the matching sentinel error.
func (c *Client) Invoke(ctx context.Context, datasetID int64) error {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/datasets/%d/invoke", datasetID))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Events returns the event log of a dataset.
func (c *Client) Events(ctx context.Context, datasetID int64) ([]*ingester.Event, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/datasets/%d/events", datasetID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var events []*ingester.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, errors.Wrap(err, "decoding events")
	}
	return events, nil
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "making request")
	}
	resp, err := c.hc.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(bytes.TrimSpace(body))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, errors.Wrap(ingester.ErrNotFound, msg)
	case http.StatusConflict:
		return nil, errors.Wrap(ingester.ErrAlreadyRunning, msg)
	}
	return nil, errors.Errorf("%s %s: %s: %s", method, path, resp.Status, msg)
}
