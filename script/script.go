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

// Package script runs the processing scripts datasets may attach to their
// data source. Scripts are Starlark programs defining
//
//	def process(cwd, entries):
//	    ...
//	    return [...]
//
// where cwd is the task's staging directory and entries is a list of dicts
// {"timestamp": time, "data": {name: value}}. The returned list holds entry
// dicts, which stay in the task's dataset, (dataset_id, entry) pairs, which
// are routed to dataset_id, and None, which is ignored.
//
// Scripts cannot load modules, and their file access is confined to the
// staging directory.
package script

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jcu-dc24/ingester"
	"github.com/pkg/errors"
	"go.starlark.net/lib/json"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
)

// DefaultMaxSteps bounds the number of Starlark computation steps a script
// may take.
const DefaultMaxSteps = 100000000

// Runner executes processing scripts.
type Runner struct {
	MaxSteps uint64
	Log      ingester.Logger
}

// NewRunner returns a Runner with the default step budget.
func NewRunner(log ingester.Logger) *Runner {
	if log == nil {
		log = ingester.NopLogger{}
	}
	return &Runner{MaxSteps: DefaultMaxSteps, Log: log}
}

// Run executes src against entries fetched into stagingDir for datasetID. It
// returns the emissions in the order the script returned them; bare entries
// are routed to datasetID. Any error means no emission should be used.
func (r *Runner) Run(ctx context.Context, src string, stagingDir string, datasetID int64, entries []*ingester.DataEntry) ([]ingester.Emission, error) {
	root, err := filepath.Abs(stagingDir)
	if err != nil {
		return nil, errors.Wrap(err, "resolving staging directory")
	}
	sb := &sandbox{root: root}

	th := &starlark.Thread{
		Name: fmt.Sprintf("dataset-%d", datasetID),
		Print: func(th *starlark.Thread, msg string) {
			r.Log.Printf("dataset %d script: %s", datasetID, msg)
		},
	}
	if r.MaxSteps > 0 {
		th.SetMaxExecutionSteps(r.MaxSteps)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			th.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	globals, err := starlark.ExecFile(th, "process.star", src, sb.predeclared())
	if err != nil {
		return nil, scriptError(err, "loading script")
	}
	process, ok := globals["process"].(starlark.Callable)
	if !ok {
		return nil, errors.New("script does not define a process function")
	}

	in := starlark.NewList(nil)
	for i, e := range entries {
		v, err := sb.toStarlark(e)
		if err != nil {
			return nil, errors.Wrapf(err, "converting entry %d", i)
		}
		if err := in.Append(v); err != nil {
			return nil, err
		}
	}
	res, err := starlark.Call(th, process, starlark.Tuple{starlark.String(root), in}, nil)
	if err != nil {
		return nil, scriptError(err, "running process")
	}
	return sb.emissions(res, datasetID)
}

func scriptError(err error, msg string) error {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		return errors.Errorf("%s: %s", msg, evalErr.Backtrace())
	}
	return errors.Wrap(err, msg)
}

// sandbox holds the capabilities handed to one script execution.
type sandbox struct {
	root string
}

func (sb *sandbox) predeclared() starlark.StringDict {
	return starlark.StringDict{
		"data_entry":  starlark.NewBuiltin("data_entry", sb.dataEntry),
		"file_object": starlark.NewBuiltin("file_object", sb.fileObject),
		"read_file":   starlark.NewBuiltin("read_file", sb.readFile),
		"write_file":  starlark.NewBuiltin("write_file", sb.writeFile),
		"list_dir":    starlark.NewBuiltin("list_dir", sb.listDir),
		"time":        starlarktime.Module,
		"json":        json.Module,
	}
}

// resolve maps a script supplied path to an absolute path inside the
// staging directory.
func (sb *sandbox) resolve(p string) (string, error) {
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(sb.root, p)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(sb.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("path %q is outside the staging directory", p)
	}
	return abs, nil
}

// relative maps a script supplied path to a path relative to the staging
// directory.
func (sb *sandbox) relative(p string) (string, error) {
	abs, err := sb.resolve(p)
	if err != nil {
		return "", err
	}
	rel, _ := filepath.Rel(sb.root, abs)
	return filepath.ToSlash(rel), nil
}
