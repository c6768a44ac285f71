// Package strvec provides an append-only list of owned strings that can be
// materialized into the NUL-terminated array form expected by execve.
package strvec

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrContainsNUL is returned by Terminated when an element holds a NUL byte
// and so cannot be represented as a C string.
var ErrContainsNUL = errors.New("strvec: element contains NUL byte")

// Vector is an ordered list of strings. The zero value is empty and ready to
// use; a nil *Vector behaves as empty for reads and Clear.
type Vector struct {
	items []string
}

// New returns a Vector holding copies of items, in order.
func New(items ...string) *Vector {
	v := &Vector{}
	for _, item := range items {
		v.Push(item)
	}
	return v
}

// Count returns the number of elements in v. A nil Vector has none.
func Count(v *Vector) int {
	if v == nil {
		return 0
	}
	return len(v.items)
}

// Len is the method form of Count.
func (v *Vector) Len() int { return Count(v) }

// Push appends a copy of item. The backing storage may be reallocated, so
// slices previously returned by Strings are not updated.
func (v *Vector) Push(item string) {
	v.items = append(v.items, strings.Clone(item))
}

// Clear drops every element and releases the backing storage.
func (v *Vector) Clear() {
	if v == nil {
		return
	}
	clear(v.items)
	v.items = nil
}

// At returns the i'th element.
func (v *Vector) At(i int) string {
	return v.items[i]
}

// Strings returns a copy of the elements.
func (v *Vector) Strings() []string {
	if Count(v) == 0 {
		return nil
	}
	out := make([]string, len(v.items))
	copy(out, v.items)
	return out
}

// Validate reports ErrContainsNUL for the first element that cannot be
// passed to exec as a C string, without building the terminated form.
func (v *Vector) Validate() error {
	for i := 0; i < Count(v); i++ {
		if strings.IndexByte(v.items[i], 0) >= 0 {
			return errors.Wrapf(ErrContainsNUL, "element %d", i)
		}
	}
	return nil
}

// Terminated builds the flat form: one NUL-terminated byte string per
// element followed by a nil sentinel, so len(result) == Count(v)+1.
func (v *Vector) Terminated() ([]*byte, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	out := make([]*byte, Count(v)+1)
	for i := 0; i < Count(v); i++ {
		p, err := unix.BytePtrFromString(v.items[i])
		if err != nil {
			return nil, errors.Wrapf(ErrContainsNUL, "element %d", i)
		}
		out[i] = p
	}
	return out, nil
}
