package ingester_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jcu-dc24/ingester"
)

func TestValidateSchema(t *testing.T) {
	schema := &ingester.Schema{
		Name: "weather",
		Attributes: map[string]ingester.AttrKind{
			"temp":   ingester.KindDouble,
			"count":  ingester.KindInteger,
			"site":   ingester.KindString,
			"ok":     ingester.KindBoolean,
			"raw":    ingester.KindFile,
			"unused": ingester.KindString,
		},
	}
	tests := []struct {
		name   string
		attrs  ingester.Attributes
		errMsg string
	}{
		{
			name: "all kinds",
			attrs: ingester.Attributes{
				{Name: "temp", Value: 21.5},
				{Name: "count", Value: int64(3)},
				{Name: "site", Value: "jcu"},
				{Name: "ok", Value: true},
				{Name: "raw", Value: ingester.FileAttachment{Path: "outputfile"}},
			},
		},
		{
			name:  "empty",
			attrs: nil,
		},
		{
			name:   "undeclared",
			attrs:  ingester.Attributes{{Name: "humidity", Value: 3.0}},
			errMsg: "not declared",
		},
		{
			name:   "wrong scalar",
			attrs:  ingester.Attributes{{Name: "temp", Value: "hot"}},
			errMsg: "expected double",
		},
		{
			name:   "file in scalar",
			attrs:  ingester.Attributes{{Name: "site", Value: ingester.FileAttachment{Path: "x"}}},
			errMsg: "expected string",
		},
		{
			name:   "scalar in file",
			attrs:  ingester.Attributes{{Name: "raw", Value: "x"}},
			errMsg: "expected file",
		},
	}
	for _, tst := range tests {
		t.Run(tst.name, func(t *testing.T) {
			err := ingester.ValidateSchema(tst.attrs, schema)
			if tst.errMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tst.errMsg) {
				t.Fatalf("expected error containing %q, got %v", tst.errMsg, err)
			}
		})
	}
}

func TestValidateSchemaNil(t *testing.T) {
	if err := ingester.ValidateSchema(nil, nil); err == nil {
		t.Fatalf("expected error for missing schema")
	}
}

func TestAttributesJSONKeepsKinds(t *testing.T) {
	e := ingester.NewDataEntry(4, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC))
	e.Attrs.Set("count", int64(7))
	e.Attrs.Set("temp", 7.0)
	e.Attrs.Set("file", ingester.FileAttachment{Path: "file-1700000000", MimeType: "text/plain"})
	e.Attrs.Set("count", int64(8))

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshaling: %v", err)
	}
	var got ingester.DataEntry
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshaling: %v", err)
	}
	if len(got.Attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %v", got.Attrs)
	}
	if got.Attrs[0].Name != "count" || got.Attrs[0].Value != int64(8) {
		t.Fatalf("unexpected first attribute %#v", got.Attrs[0])
	}
	if v, _ := got.Attrs.Get("temp"); v != 7.0 {
		t.Fatalf("expected double 7, got %#v", v)
	}
	if files := got.Attrs.Files(); len(files) != 1 || files[0] != "file" {
		t.Fatalf("unexpected files %v", files)
	}
	if !got.Timestamp.Equal(e.Timestamp) || got.DatasetID != 4 {
		t.Fatalf("unexpected entry %#v", got)
	}
}

func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		in  interface{}
		out interface{}
	}{
		{in: 3, out: int64(3)},
		{in: uint8(3), out: int64(3)},
		{in: float32(1.5), out: 1.5},
		{in: []byte("x"), out: "x"},
		{in: &ingester.FileAttachment{Path: "p"}, out: ingester.FileAttachment{Path: "p"}},
	}
	for i, tst := range tests {
		got, err := ingester.NormalizeValue(tst.in)
		if err != nil {
			t.Fatalf("test %d: %v", i, err)
		}
		if got != tst.out {
			t.Fatalf("test %d: expected %#v, got %#v", i, tst.out, got)
		}
	}
	if _, err := ingester.NormalizeValue(struct{}{}); err == nil {
		t.Fatalf("expected error for struct value")
	}
}
