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

// Package snapshot stores the entries fetched by an ingest task inside the
// task's staging directory, so the archive stage can be replayed after a
// crash without fetching again.
//
// A snapshot is an Avro object container file. Entry ids are not stored; the
// dataset id is stored with every record.
package snapshot

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
)

// FileName is the name of the snapshot inside a staging directory.
const FileName = "entries.avro"

const fileBranch = "ingester.File"

// Schema is the Avro schema of a snapshot record.
const Schema = `{
  "type": "record",
  "name": "Entry",
  "namespace": "ingester",
  "fields": [
    {"name": "dataset", "type": "long"},
    {"name": "timestamp", "type": "long", "doc": "microseconds since the epoch, UTC"},
    {"name": "attributes", "type": {"type": "array", "items": {
      "type": "record",
      "name": "Attribute",
      "fields": [
        {"name": "name", "type": "string"},
        {"name": "value", "type": ["null", "boolean", "long", "double", "string", {
          "type": "record",
          "name": "File",
          "fields": [
            {"name": "path", "type": "string"},
            {"name": "mime_type", "type": "string"},
            {"name": "file_name", "type": "string"}
          ]
        }]}
      ]
    }}}
  ]
}`

// Path returns where the snapshot of stagingDir lives.
func Path(stagingDir string) string {
	return filepath.Join(stagingDir, FileName)
}

// Exists reports whether stagingDir holds a snapshot.
func Exists(stagingDir string) bool {
	_, err := os.Stat(Path(stagingDir))
	return err == nil
}

// Write stores entries as the snapshot of stagingDir, replacing any previous
// snapshot. The file is written under a temporary name and renamed into
// place, so a reader never sees a partial snapshot.
func Write(stagingDir string, entries []*ingester.DataEntry) (err error) {
	tmp, err := os.CreateTemp(stagingDir, FileName+".*")
	if err != nil {
		return errors.Wrap(err, "creating snapshot file")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if err = Encode(tmp, entries); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrap(err, "syncing snapshot")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "closing snapshot")
	}
	return errors.Wrap(os.Rename(tmp.Name(), Path(stagingDir)), "renaming snapshot")
}

// Read loads the snapshot of stagingDir.
func Read(stagingDir string) ([]*ingester.DataEntry, error) {
	f, err := os.Open(Path(stagingDir))
	if err != nil {
		return nil, errors.Wrap(err, "opening snapshot")
	}
	defer f.Close()
	return Decode(f)
}

// Encode writes entries to w as an Avro object container.
func Encode(w io.Writer, entries []*ingester.DataEntry) error {
	ocfw, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:      w,
		Schema: Schema,
	})
	if err != nil {
		return errors.Wrap(err, "creating avro writer")
	}
	records := make([]interface{}, 0, len(entries))
	for i, e := range entries {
		rec, err := toRecord(e)
		if err != nil {
			return errors.Wrapf(err, "entry %d", i)
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil
	}
	return errors.Wrap(ocfw.Append(records), "appending records")
}

// Decode reads entries written by Encode.
func Decode(r io.Reader) ([]*ingester.DataEntry, error) {
	ocfr, err := goavro.NewOCFReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "creating avro reader")
	}
	var entries []*ingester.DataEntry
	for ocfr.Scan() {
		datum, err := ocfr.Read()
		if err != nil {
			return nil, errors.Wrap(err, "reading record")
		}
		e, err := fromRecord(datum)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", len(entries))
		}
		entries = append(entries, e)
	}
	return entries, errors.Wrap(ocfr.Err(), "scanning snapshot")
}

func toRecord(e *ingester.DataEntry) (map[string]interface{}, error) {
	attrs := make([]interface{}, 0, len(e.Attrs))
	for _, a := range e.Attrs {
		var value interface{}
		switch v := a.Value.(type) {
		case nil:
		case bool:
			value = goavro.Union("boolean", v)
		case int64:
			value = goavro.Union("long", v)
		case float64:
			value = goavro.Union("double", v)
		case string:
			value = goavro.Union("string", v)
		case ingester.FileAttachment:
			value = goavro.Union(fileBranch, map[string]interface{}{
				"path":      v.Path,
				"mime_type": v.MimeType,
				"file_name": v.FileName,
			})
		default:
			return nil, errors.Errorf("attribute %q has unsupported type %T", a.Name, a.Value)
		}
		attrs = append(attrs, map[string]interface{}{
			"name":  a.Name,
			"value": value,
		})
	}
	return map[string]interface{}{
		"dataset":    e.DatasetID,
		"timestamp":  e.Timestamp.UnixNano() / int64(time.Microsecond),
		"attributes": attrs,
	}, nil
}

func fromRecord(datum interface{}) (*ingester.DataEntry, error) {
	rec, ok := datum.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("unexpected datum type %T", datum)
	}
	dataset, _ := rec["dataset"].(int64)
	micros, _ := rec["timestamp"].(int64)
	e := ingester.NewDataEntry(dataset, time.Unix(0, micros*int64(time.Microsecond)))

	raw, _ := rec["attributes"].([]interface{})
	for _, ri := range raw {
		attr, ok := ri.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("unexpected attribute type %T", ri)
		}
		name, _ := attr["name"].(string)
		union, ok := attr["value"].(map[string]interface{})
		if !ok {
			// null
			e.Attrs = append(e.Attrs, ingester.Attribute{Name: name})
			continue
		}
		for branch, v := range union {
			if branch != fileBranch {
				e.Attrs = append(e.Attrs, ingester.Attribute{Name: name, Value: v})
				continue
			}
			f, _ := v.(map[string]interface{})
			fa := ingester.FileAttachment{}
			fa.Path, _ = f["path"].(string)
			fa.MimeType, _ = f["mime_type"].(string)
			fa.FileName, _ = f["file_name"].(string)
			e.Attrs = append(e.Attrs, ingester.Attribute{Name: name, Value: fa})
		}
	}
	return e, nil
}
