package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/jcu-dc24/ingester/boltdb"
	"github.com/jcu-dc24/ingester/engine"
	ihttp "github.com/jcu-dc24/ingester/http"
	"github.com/jcu-dc24/ingester/leveldb"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Admin runs operator commands. Commands which are given a Server act on
// that running node over HTTP; the others open the data directory
// directly, which fails while a node holds it.
type Admin struct {
	DataDir string `help:"Data directory of the node."`
	Server  string `flag:"-"`
}

// NewAdmin returns an Admin with default settings.
func NewAdmin() *Admin {
	return &Admin{DataDir: NewMain().DataDir}
}

func (a *Admin) openService() (*boltdb.Service, error) {
	svc, err := boltdb.Open(filepath.Join(a.DataDir, "ingester.db"))
	return svc, errors.Wrap(err, "opening metadata service (is a node running?)")
}

// withStores opens the metadata service and the entry repository, calls fn
// and closes them again. Attachments are only needed by a running node, so
// the repository is opened over the local blob directory whatever the
// node's blob store is.
func (a *Admin) withStores(fn func(*boltdb.Service, *leveldb.Repository) error) error {
	svc, err := a.openService()
	if err != nil {
		return err
	}
	defer svc.Close()
	blobs, err := leveldb.NewDirBlobs(filepath.Join(a.DataDir, "blobs"))
	if err != nil {
		return err
	}
	repo, err := leveldb.Open(filepath.Join(a.DataDir, "entries"), svc, blobs)
	if err != nil {
		return errors.Wrap(err, "opening repository")
	}
	defer repo.Close()
	return fn(svc, repo)
}

// Invoke runs a dataset outside of its schedule. Without a Server the tasks
// are recorded in the data directory and picked up when the node next
// starts.
func (a *Admin) Invoke(ctx context.Context, datasetID int64) error {
	if a.Server != "" {
		return ihttp.NewClient(a.Server, nil).Invoke(ctx, datasetID)
	}
	return a.withStores(func(svc *boltdb.Service, repo *leveldb.Repository) error {
		eng, err := engine.New(engine.Config{
			Service:     svc,
			Repository:  repo,
			Registry:    NewRegistry(),
			StagingRoot: filepath.Join(a.DataDir, "staging"),
		})
		if err != nil {
			return errors.Wrap(err, "making engine")
		}
		return eng.Invoke(ctx, datasetID)
	})
}

// Enable enables a dataset.
func (a *Admin) Enable(datasetID int64) error {
	svc, err := a.openService()
	if err != nil {
		return err
	}
	defer svc.Close()
	return svc.EnableDataset(datasetID)
}

// Disable disables a dataset. Tasks already created for it still run.
func (a *Admin) Disable(datasetID int64) error {
	svc, err := a.openService()
	if err != nil {
		return err
	}
	defer svc.Close()
	return svc.DisableDataset(datasetID)
}

// Definitions is the document read by Define.
type Definitions struct {
	Schemas  []*ingester.Schema  `yaml:"schemas"`
	Datasets []*ingester.Dataset `yaml:"datasets"`
}

// ReadDefinitions parses a YAML definitions document.
func ReadDefinitions(r io.Reader) (*Definitions, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading definitions")
	}
	defs := &Definitions{}
	if err := yaml.UnmarshalStrict(data, defs); err != nil {
		return nil, errors.Wrap(err, "parsing definitions")
	}
	return defs, nil
}

// Define creates or replaces the schemas and datasets in the YAML file at
// path, schemas first. It writes one line per stored definition to w.
func (a *Admin) Define(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening definitions")
	}
	defer f.Close()
	defs, err := ReadDefinitions(f)
	if err != nil {
		return err
	}
	svc, err := a.openService()
	if err != nil {
		return err
	}
	defer svc.Close()
	return Define(svc, defs, w)
}

// Define stores defs in svc.
func Define(svc ingester.MetadataService, defs *Definitions, w io.Writer) error {
	for _, sc := range defs.Schemas {
		stored, err := svc.PersistSchema(sc)
		if err != nil {
			return errors.Wrapf(err, "storing schema %q", sc.Name)
		}
		fmt.Fprintf(w, "schema %d %s\n", stored.ID, stored.Name)
	}
	for _, ds := range defs.Datasets {
		if ds.SchemaID != 0 {
			if _, err := svc.GetSchema(ds.SchemaID); err != nil {
				return errors.Wrapf(err, "dataset %d", ds.ID)
			}
		}
		stored, err := svc.PersistDataset(ds)
		if err != nil {
			return errors.Wrapf(err, "storing dataset %d", ds.ID)
		}
		kind := "none"
		if stored.DataSource != nil {
			kind = stored.DataSource.Kind
		}
		fmt.Fprintf(w, "dataset %d %s enabled=%v\n", stored.ID, kind, stored.Enabled)
	}
	return nil
}

// Events writes a dataset's event log to w, oldest first.
func (a *Admin) Events(ctx context.Context, datasetID int64, w io.Writer) error {
	var events []*ingester.Event
	if a.Server != "" {
		var err error
		if events, err = ihttp.NewClient(a.Server, nil).Events(ctx, datasetID); err != nil {
			return err
		}
	} else {
		svc, err := a.openService()
		if err != nil {
			return err
		}
		defer svc.Close()
		if events, err = svc.GetIngesterEvents(datasetID); err != nil {
			return err
		}
	}
	for _, ev := range events {
		fmt.Fprintf(w, "%s %-5s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Level, ev.Message)
	}
	return nil
}

// Reset removes every dataset, schema, task, event and entry.
func (a *Admin) Reset() error {
	return a.withStores(func(svc *boltdb.Service, repo *leveldb.Repository) error {
		if err := repo.Reset(); err != nil {
			return errors.Wrap(err, "resetting repository")
		}
		return errors.Wrap(svc.Reset(), "resetting metadata service")
	})
}
