package script

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// fileObjectCtor marks structs built by file_object.
var fileObjectCtor = starlark.String("file_object")

// maxReadSize bounds what read_file loads into the interpreter.
const maxReadSize = 64 << 20

func (sb *sandbox) dataEntry(th *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		ts   starlark.Value = starlark.None
		data *starlark.Dict
	)
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "timestamp?", &ts, "data?", &data); err != nil {
		return nil, err
	}
	if ts == starlark.None {
		ts = starlarktime.Time(time.Now().UTC())
	}
	d := starlark.NewDict(2)
	if data == nil {
		data = starlark.NewDict(0)
	}
	if err := d.SetKey(starlark.String("timestamp"), ts); err != nil {
		return nil, err
	}
	if err := d.SetKey(starlark.String("data"), data); err != nil {
		return nil, err
	}
	return d, nil
}

func (sb *sandbox) fileObject(th *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, mimeType, fileName string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path, "mime_type?", &mimeType, "file_name?", &fileName); err != nil {
		return nil, err
	}
	rel, err := sb.relative(path)
	if err != nil {
		return nil, err
	}
	return newFileObject(rel, mimeType, fileName), nil
}

func newFileObject(path, mimeType, fileName string) *starlarkstruct.Struct {
	return starlarkstruct.FromStringDict(fileObjectCtor, starlark.StringDict{
		"path":      starlark.String(path),
		"mime_type": starlark.String(mimeType),
		"file_name": starlark.String(fileName),
	})
}

func (sb *sandbox) readFile(th *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	abs, err := sb.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxReadSize {
		return nil, errors.Errorf("%s is too large to read (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	return starlark.String(data), nil
}

func (sb *sandbox) writeFile(th *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, content string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path, "content", &content); err != nil {
		return nil, err
	}
	abs, err := sb.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (sb *sandbox) listDir(th *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	path := "."
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path?", &path); err != nil {
		return nil, err
	}
	abs, err := sb.resolve(path)
	if err != nil {
		return nil, err
	}
	infos, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	sort.Strings(names)
	vals := make([]starlark.Value, len(names))
	for i, n := range names {
		vals[i] = starlark.String(n)
	}
	return starlark.NewList(vals), nil
}
