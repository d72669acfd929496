package engine

import (
	"context"

	"github.com/jcu-dc24/ingester"
	"github.com/pkg/errors"
)

// Enqueuer creates ingress tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, ds *ingester.Dataset, params map[string]string, guard bool) (*ingester.IngestTask, error)
}

// Router is an ingester.ObservationListener which keeps chained datasets
// current. Each entry persisted to a dataset enqueues one unguarded task for
// every enabled dataset chained to it.
type Router struct {
	datasets ingester.MetadataService
	enqueuer Enqueuer
	log      ingester.Logger
}

var _ ingester.ObservationListener = &Router{}

// NewRouter returns a Router which finds chained datasets in datasets and
// enqueues their tasks with enqueuer.
func NewRouter(datasets ingester.MetadataService, enqueuer Enqueuer, log ingester.Logger) *Router {
	if log == nil {
		log = ingester.NopLogger{}
	}
	return &Router{datasets: datasets, enqueuer: enqueuer, log: log}
}

// NotifyNewDataEntry implements ingester.ObservationListener.
func (r *Router) NotifyNewDataEntry(ctx context.Context, entry *ingester.DataEntry, stagingDir string) error {
	datasets, err := r.datasets.GetActiveDatasets("")
	if err != nil {
		return errors.Wrap(err, "getting active datasets")
	}
	var failed error
	for _, ds := range datasets {
		if !ds.Chained() {
			continue
		}
		upstream, err := ds.Upstream()
		if err != nil {
			r.log.Printf("skipping chained dataset %d: %v", ds.ID, err)
			continue
		}
		if upstream != entry.DatasetID {
			continue
		}
		task, err := r.enqueuer.Enqueue(ctx, ds, triggerParams(entry), false)
		if err != nil {
			failed = errors.Wrapf(err, "enqueueing dataset %d", ds.ID)
			continue
		}
		r.log.Debugf("entry %d of dataset %d triggered task %d of dataset %d", entry.ID, entry.DatasetID, task.ID, ds.ID)
	}
	return failed
}
