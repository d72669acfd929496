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

// Package ingest assembles a complete ingester node out of the stores,
// sources and listeners in this module, and holds the operator commands
// which act on a node's data directory.
package ingest

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jcu-dc24/ingester"
	"github.com/jcu-dc24/ingester/aws/s3"
	"github.com/jcu-dc24/ingester/boltdb"
	"github.com/jcu-dc24/ingester/chained"
	"github.com/jcu-dc24/ingester/engine"
	ihttp "github.com/jcu-dc24/ingester/http"
	"github.com/jcu-dc24/ingester/kafka"
	"github.com/jcu-dc24/ingester/leveldb"
	"github.com/jcu-dc24/ingester/prom"
	"github.com/jcu-dc24/ingester/pull"
	"github.com/jcu-dc24/ingester/push"
	"github.com/jcu-dc24/ingester/sampling"
	"github.com/jcu-dc24/ingester/script"
	"github.com/jcu-dc24/ingester/sos"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Main holds the configuration of a running node.
type Main struct {
	DataDir      string        `help:"Directory holding the metadata db, the entry repository and staging directories."`
	Bind         string        `help:"Address for the push, admin and metrics HTTP server."`
	TickInterval time.Duration `help:"Time between scheduler passes."`
	PollInterval time.Duration `help:"How long an idle worker waits on its queue before checking for shutdown."`
	FetchTimeout time.Duration `help:"Upper bound on a single fetch and processing script run. Zero means no bound."`
	MaxSteps     uint64        `help:"Maximum Starlark execution steps per processing script run."`
	S3Bucket     string        `help:"If set, archive attachments to this S3 bucket instead of the data directory."`
	S3Region     string        `help:"Region of the S3 bucket."`
	S3Endpoint   string        `help:"Custom S3 endpoint, e.g. for minio."`
	S3Prefix     string        `help:"Key prefix for attachments in the S3 bucket."`
	KafkaHosts   []string      `help:"Comma separated list of host:port pairs for Kafka."`
	AuditTopic   string        `help:"If set, publish every persisted entry to this Kafka topic."`
	LogPath      string        `help:"Log file to write to. Empty means stderr."`
	Verbose      bool          `help:"Enable verbose logging."`

	log     ingester.Logger
	svc     *boltdb.Service
	repo    *leveldb.Repository
	engine  *engine.Engine
	auditor *kafka.Auditor
	metrics *prometheus.Registry
	handler http.Handler
	logFile io.Closer
}

// NewMain returns a Main with default settings.
func NewMain() *Main {
	return &Main{
		DataDir:      "ingester-data",
		Bind:         ":8080",
		TickInterval: engine.DefaultTickInterval,
		PollInterval: engine.DefaultPollInterval,
		MaxSteps:     script.DefaultMaxSteps,
		S3Region:     "us-east-1",
		KafkaHosts:   []string{"localhost:9092"},
	}
}

// Log returns the node's logger once it has been set up.
func (m *Main) Log() ingester.Logger { return m.log }

// Engine returns the node's engine once it has been set up.
func (m *Main) Engine() *engine.Engine { return m.engine }

// Handler returns the node's HTTP handler once it has been set up.
func (m *Main) Handler() http.Handler { return m.handler }

// Run runs the node until it receives SIGINT or SIGTERM.
func (m *Main) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return m.RunContext(ctx)
}

// RunContext runs the node until ctx is cancelled. Tasks in flight when ctx
// is cancelled are finished before it returns.
func (m *Main) RunContext(ctx context.Context) (err error) {
	if err := m.Setup(); err != nil {
		return errors.Wrap(err, "setting up")
	}
	defer func() {
		if cerr := m.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	ln, err := net.Listen("tcp", m.Bind)
	if err != nil {
		return errors.Wrap(err, "listening")
	}
	srv := &http.Server{Handler: m.handler}
	m.log.Printf("listening on %s", ln.Addr())

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return errors.Wrap(m.engine.Run(ctx), "running engine")
	})
	eg.Go(func() error {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			return errors.Wrap(err, "serving http")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Wrap(srv.Shutdown(sctx), "shutting down http")
	})
	return eg.Wait()
}

// Setup opens the stores and builds the engine and HTTP handler without
// starting anything.
func (m *Main) Setup() (err error) {
	if err := m.setupLog(); err != nil {
		return err
	}
	if err := os.MkdirAll(m.DataDir, 0700); err != nil {
		return errors.Wrap(err, "making data directory")
	}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()
	m.svc, err = boltdb.Open(filepath.Join(m.DataDir, "ingester.db"))
	if err != nil {
		return errors.Wrap(err, "opening metadata service")
	}
	blobs, err := m.blobs()
	if err != nil {
		return errors.Wrap(err, "opening blob store")
	}
	m.repo, err = leveldb.Open(filepath.Join(m.DataDir, "entries"), m.svc, blobs)
	if err != nil {
		return errors.Wrap(err, "opening repository")
	}

	m.metrics = prometheus.NewRegistry()
	m.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	runner := script.NewRunner(m.log)
	runner.MaxSteps = m.MaxSteps
	m.engine, err = engine.New(engine.Config{
		Service:      m.svc,
		Repository:   m.repo,
		Registry:     NewRegistry(),
		StagingRoot:  filepath.Join(m.DataDir, "staging"),
		TickInterval: m.TickInterval,
		PollInterval: m.PollInterval,
		FetchTimeout: m.FetchTimeout,
		Script:       runner,
		Log:          m.log,
		Stats:        prom.NewStatter("ingester", m.metrics, m.log),
	})
	if err != nil {
		return errors.Wrap(err, "making engine")
	}
	if m.AuditTopic != "" {
		m.auditor, err = kafka.NewAuditor(m.KafkaHosts, m.AuditTopic)
		if err != nil {
			return errors.Wrap(err, "making kafka auditor")
		}
		m.engine.RegisterObservationListener(m.auditor)
	}

	r := mux.NewRouter()
	ihttp.NewPushHandler(m.svc, m.engine, ihttp.WithLogger(m.log)).Register(r)
	ihttp.NewAdminHandler(m.svc, m.engine, m.log).Register(r)
	r.Handle("/metrics", promhttp.HandlerFor(m.metrics, promhttp.HandlerOpts{}))
	m.handler = r
	return nil
}

func (m *Main) setupLog() error {
	var out io.Writer = os.Stderr
	if m.LogPath != "" {
		f, err := os.OpenFile(m.LogPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return errors.Wrap(err, "opening log file")
		}
		out = f
		m.logFile = f
	}
	l := log.New(out, "", log.LstdFlags)
	if m.Verbose {
		m.log = ingester.VerboseLogger{Logger: l}
	} else {
		m.log = ingester.StdLogger{Logger: l}
	}
	return nil
}

func (m *Main) blobs() (leveldb.BlobStore, error) {
	if m.S3Bucket == "" {
		return leveldb.NewDirBlobs(filepath.Join(m.DataDir, "blobs"))
	}
	opts := []s3.BlobOption{s3.OptBlobRegion(m.S3Region), s3.OptBlobPrefix(m.S3Prefix)}
	if m.S3Endpoint != "" {
		opts = append(opts, s3.OptBlobEndpoint(m.S3Endpoint))
	}
	return s3.NewBlobs(m.S3Bucket, opts...)
}

// Close releases everything Setup opened.
func (m *Main) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if m.auditor != nil {
		keep(errors.Wrap(m.auditor.Close(), "closing auditor"))
		m.auditor = nil
	}
	if m.repo != nil {
		keep(errors.Wrap(m.repo.Close(), "closing repository"))
		m.repo = nil
	}
	if m.svc != nil {
		keep(errors.Wrap(m.svc.Close(), "closing metadata service"))
		m.svc = nil
	}
	if m.logFile != nil {
		keep(m.logFile.Close())
		m.logFile = nil
	}
	return first
}

// NewRegistry returns a registry holding every sampler and data source kind
// in this module.
func NewRegistry() *ingester.Registry {
	r := ingester.NewRegistry()
	sampling.Register(r)
	pull.Register(r)
	push.Register(r)
	chained.Register(r)
	sos.Register(r)
	kafka.Register(r)
	return r
}
