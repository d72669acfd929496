package script

import (
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/pkg/errors"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func (sb *sandbox) toStarlark(e *ingester.DataEntry) (starlark.Value, error) {
	data := starlark.NewDict(len(e.Attrs))
	for _, a := range e.Attrs {
		var v starlark.Value
		switch val := a.Value.(type) {
		case string:
			v = starlark.String(val)
		case int64:
			v = starlark.MakeInt64(val)
		case float64:
			v = starlark.Float(val)
		case bool:
			v = starlark.Bool(val)
		case ingester.FileAttachment:
			v = newFileObject(val.Path, val.MimeType, val.FileName)
		default:
			return nil, errors.Errorf("attribute %q has unsupported type %T", a.Name, a.Value)
		}
		if err := data.SetKey(starlark.String(a.Name), v); err != nil {
			return nil, err
		}
	}
	d := starlark.NewDict(2)
	if err := d.SetKey(starlark.String("timestamp"), starlarktime.Time(e.Timestamp)); err != nil {
		return nil, err
	}
	if err := d.SetKey(starlark.String("data"), data); err != nil {
		return nil, err
	}
	return d, nil
}

func (sb *sandbox) emissions(res starlark.Value, datasetID int64) ([]ingester.Emission, error) {
	iterable, ok := res.(starlark.Iterable)
	if !ok || res == starlark.None {
		return nil, errors.Errorf("process returned %s, expected a list", res.Type())
	}
	it := iterable.Iterate()
	defer it.Done()

	var (
		out []ingester.Emission
		v   starlark.Value
	)
	for i := 0; it.Next(&v); i++ {
		em, skip, err := sb.emission(v, datasetID)
		if err != nil {
			return nil, errors.Wrapf(err, "result %d", i)
		}
		if !skip {
			out = append(out, em)
		}
	}
	return out, nil
}

func (sb *sandbox) emission(v starlark.Value, datasetID int64) (em ingester.Emission, skip bool, err error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return em, true, nil
	case *starlark.Dict:
		e, err := sb.fromStarlark(val, datasetID)
		return ingester.Emission{DatasetID: datasetID, Entry: e}, false, err
	case starlark.Tuple:
		if len(val) != 2 {
			return em, false, errors.Errorf("expected a (dataset_id, entry) pair, got %d elements", len(val))
		}
		target, err := starlark.AsInt32(val[0])
		if err != nil {
			return em, false, errors.Wrap(err, "dataset id")
		}
		d, ok := val[1].(*starlark.Dict)
		if !ok {
			return em, false, errors.Errorf("expected an entry dict, got %s", val[1].Type())
		}
		e, err := sb.fromStarlark(d, int64(target))
		return ingester.Emission{DatasetID: int64(target), Entry: e}, false, err
	}
	return em, false, errors.Errorf("expected an entry or a (dataset_id, entry) pair, got %s", v.Type())
}

func (sb *sandbox) fromStarlark(d *starlark.Dict, datasetID int64) (*ingester.DataEntry, error) {
	tsv, found, err := d.Get(starlark.String("timestamp"))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.New("entry has no timestamp")
	}
	ts, err := toTime(tsv)
	if err != nil {
		return nil, err
	}
	e := ingester.NewDataEntry(datasetID, ts)

	datav, found, err := d.Get(starlark.String("data"))
	if err != nil {
		return nil, err
	}
	if !found || datav == starlark.None {
		return e, nil
	}
	data, ok := datav.(*starlark.Dict)
	if !ok {
		return nil, errors.Errorf("entry data is %s, expected a dict", datav.Type())
	}
	for _, item := range data.Items() {
		name, ok := starlark.AsString(item[0])
		if !ok {
			return nil, errors.Errorf("attribute name %s is not a string", item[0])
		}
		if item[1] == starlark.None {
			continue
		}
		val, err := sb.toValue(item[1])
		if err != nil {
			return nil, errors.Wrapf(err, "attribute %q", name)
		}
		e.Attrs.Set(name, val)
	}
	return e, nil
}

func (sb *sandbox) toValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.String:
		return string(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, errors.Errorf("integer %s out of range", val)
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.Bool:
		return bool(val), nil
	case *starlarkstruct.Struct:
		if val.Constructor() != fileObjectCtor {
			return nil, errors.Errorf("unsupported struct %s", val.Constructor())
		}
		fa := ingester.FileAttachment{}
		var err error
		if fa.Path, err = structString(val, "path"); err != nil {
			return nil, err
		}
		if fa.Path, err = sb.relative(fa.Path); err != nil {
			return nil, err
		}
		if fa.MimeType, err = structString(val, "mime_type"); err != nil {
			return nil, err
		}
		if fa.FileName, err = structString(val, "file_name"); err != nil {
			return nil, err
		}
		return fa, nil
	}
	return nil, errors.Errorf("unsupported value type %s", v.Type())
}

func structString(s *starlarkstruct.Struct, field string) (string, error) {
	v, err := s.Attr(field)
	if err != nil {
		return "", err
	}
	str, ok := starlark.AsString(v)
	if !ok {
		return "", errors.Errorf("file_object %s is %s, expected a string", field, v.Type())
	}
	return str, nil
}

// toTime accepts a time value, epoch seconds, or an RFC 3339 string.
func toTime(v starlark.Value) (time.Time, error) {
	switch val := v.(type) {
	case starlarktime.Time:
		return time.Time(val).UTC(), nil
	case starlark.Int:
		secs, ok := val.Int64()
		if !ok {
			return time.Time{}, errors.Errorf("timestamp %s out of range", val)
		}
		return time.Unix(secs, 0).UTC(), nil
	case starlark.Float:
		return time.Unix(0, int64(float64(val)*float64(time.Second))).UTC(), nil
	case starlark.String:
		t, err := time.Parse(time.RFC3339Nano, string(val))
		return t.UTC(), errors.Wrap(err, "parsing timestamp")
	}
	return time.Time{}, errors.Errorf("unsupported timestamp type %s", v.Type())
}
