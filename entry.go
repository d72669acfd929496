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

package ingester

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// FileAttachment is an attribute value referring to a file. Path is relative
// to the staging directory of the task which produced the entry until the
// entry is persisted, and relative to the repository afterwards.
type FileAttachment struct {
	Path     string `json:"path"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// Attribute is a single named value of an entry. Value is one of string,
// int64, float64, bool or FileAttachment.
type Attribute struct {
	Name  string
	Value interface{}
}

// Attributes is an ordered set of attributes; names are unique.
type Attributes []Attribute

// Get returns the value of the named attribute.
func (a Attributes) Get(name string) (interface{}, bool) {
	for _, attr := range a {
		if attr.Name == name {
			return attr.Value, true
		}
	}
	return nil, false
}

// Set replaces the value of the named attribute, or appends it if it is not
// present yet.
func (a *Attributes) Set(name string, value interface{}) {
	for i := range *a {
		if (*a)[i].Name == name {
			(*a)[i].Value = value
			return
		}
	}
	*a = append(*a, Attribute{Name: name, Value: value})
}

// Files returns the names of the attributes holding file attachments, in
// order.
func (a Attributes) Files() []string {
	var names []string
	for _, attr := range a {
		if _, ok := attr.Value.(FileAttachment); ok {
			names = append(names, attr.Name)
		}
	}
	return names
}

// DataEntry is a single timestamped record bound for a dataset. ID is zero
// until the entry has been persisted.
type DataEntry struct {
	ID        int64      `json:"id,omitempty"`
	DatasetID int64      `json:"dataset"`
	Timestamp time.Time  `json:"timestamp"`
	Attrs     Attributes `json:"attributes"`
}

// NewDataEntry returns an entry with no attributes.
func NewDataEntry(datasetID int64, ts time.Time) *DataEntry {
	return &DataEntry{DatasetID: datasetID, Timestamp: ts.UTC()}
}

// Clone returns a copy of e which shares no attribute storage with e.
func (e *DataEntry) Clone() *DataEntry {
	c := *e
	c.Attrs = append(Attributes(nil), e.Attrs...)
	return &c
}

// Emission is an entry produced for ingestion. A zero DatasetID routes the
// entry to the dataset of the task which produced it.
type Emission struct {
	DatasetID int64
	Entry     *DataEntry
}

// ByTimestamp sorts entries by ascending timestamp.
type ByTimestamp []*DataEntry

func (b ByTimestamp) Len() int           { return len(b) }
func (b ByTimestamp) Less(i, j int) bool { return b[i].Timestamp.Before(b[j].Timestamp) }
func (b ByTimestamp) Swap(i, j int)      { b[i], b[j] = b[j], b[i] }

var _ sort.Interface = ByTimestamp{}

// NormalizeValue converts v to one of the attribute value types, widening
// integers and floats.
func NormalizeValue(v interface{}) (interface{}, error) {
	switch vt := v.(type) {
	case string, int64, float64, bool, FileAttachment:
		return vt, nil
	case *FileAttachment:
		if vt == nil {
			return nil, errors.New("nil file attachment")
		}
		return *vt, nil
	case int:
		return int64(vt), nil
	case int8:
		return int64(vt), nil
	case int16:
		return int64(vt), nil
	case int32:
		return int64(vt), nil
	case uint8:
		return int64(vt), nil
	case uint16:
		return int64(vt), nil
	case uint32:
		return int64(vt), nil
	case uint:
		return int64(vt), nil
	case uint64:
		return int64(vt), nil
	case float32:
		return float64(vt), nil
	case []byte:
		return string(vt), nil
	}
	return nil, errors.Errorf("unsupported attribute value %v of type %T", v, v)
}

type jsonAttribute struct {
	Name  string          `json:"name"`
	Kind  AttrKind        `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the attributes as a list which keeps their order and
// their kinds.
func (a Attributes) MarshalJSON() ([]byte, error) {
	out := make([]jsonAttribute, len(a))
	for i, attr := range a {
		kind := KindOf(attr.Value)
		if kind == "" {
			return nil, errors.Errorf("attribute %q has unsupported type %T", attr.Name, attr.Value)
		}
		raw, err := json.Marshal(attr.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "marshaling attribute %q", attr.Name)
		}
		out[i] = jsonAttribute{Name: attr.Name, Kind: kind, Value: raw}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes attributes encoded by MarshalJSON.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	var in []jsonAttribute
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	attrs := make(Attributes, 0, len(in))
	for _, ja := range in {
		var (
			v   interface{}
			err error
		)
		switch ja.Kind {
		case KindFile:
			var f FileAttachment
			err = json.Unmarshal(ja.Value, &f)
			v = f
		case KindString:
			var s string
			err = json.Unmarshal(ja.Value, &s)
			v = s
		case KindInteger:
			var n int64
			err = json.Unmarshal(ja.Value, &n)
			v = n
		case KindDouble:
			var f float64
			err = json.Unmarshal(ja.Value, &f)
			v = f
		case KindBoolean:
			var b bool
			err = json.Unmarshal(ja.Value, &b)
			v = b
		default:
			return errors.Errorf("attribute %q has unknown kind %q", ja.Name, ja.Kind)
		}
		if err != nil {
			return errors.Wrapf(err, "decoding attribute %q", ja.Name)
		}
		attrs = append(attrs, Attribute{Name: ja.Name, Value: v})
	}
	*a = attrs
	return nil
}
