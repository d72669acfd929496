// Package test holds assertion helpers shared by the ingester's tests.
package test

import (
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

// MustBe uses reflect.DeepEqual to assert that thing1 and thing2 are equal, and
// fails otherwise.
func MustBe(t *testing.T, thing1, thing2 interface{}, context ...string) {
	t.Helper()
	var ctx string
	if len(context) > 0 {
		ctx = context[0] + ": "
	}
	if !reflect.DeepEqual(thing1, thing2) {
		t.Fatalf("%v'%#v' != '%#v'", ctx, thing1, thing2)
	}
}

// ErrNil asserts that the err is nil and fails otherwise.
func ErrNil(t *testing.T, err error, ctx string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%v: %v", ctx, err)
	}
}

// ErrCause asserts that the cause of err is want, which is usually one of
// the ingester's sentinel errors.
func ErrCause(t *testing.T, err, want error, ctx string) {
	t.Helper()
	if errors.Cause(err) != want {
		t.Fatalf("%v: expected %v, got %v", ctx, want, err)
	}
}
