package strvec

import (
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cString(p *byte) string {
	if p == nil {
		return ""
	}
	var n int
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(unsafe.Slice(p, n))
}

func TestCount_Nil(t *testing.T) {
	assert.Equal(t, 0, Count(nil))

	var v *Vector
	assert.Equal(t, 0, v.Len())
	assert.Nil(t, v.Strings())
}

func TestPush_CountTracksPushes(t *testing.T) {
	v := &Vector{}
	for i, s := range []string{"a", "bb", "", "dddd"} {
		v.Push(s)
		require.Equal(t, i+1, Count(v))

		term, err := v.Terminated()
		require.NoError(t, err)
		require.Len(t, term, i+2)
		assert.Nil(t, term[i+1], "terminator must follow the last element")
		assert.Equal(t, s, cString(term[i]))
	}
	assert.Equal(t, []string{"a", "bb", "", "dddd"}, v.Strings())
}

func TestPush_CopiesItem(t *testing.T) {
	buf := []byte("hello")
	v := New()
	v.Push(string(buf))
	buf[0] = 'j'
	assert.Equal(t, "hello", v.At(0))
}

func TestStrings_ReturnsCopy(t *testing.T) {
	v := New("x", "y")
	out := v.Strings()
	out[0] = "changed"
	assert.Equal(t, "x", v.At(0))
}

func TestClear(t *testing.T) {
	v := New("a", "b", "c")
	v.Clear()
	assert.Equal(t, 0, Count(v))
	v.Clear()
	assert.Equal(t, 0, Count(v))

	var nilVec *Vector
	nilVec.Clear()

	v.Push("again")
	assert.Equal(t, []string{"again"}, v.Strings())
}

func TestTerminated_Empty(t *testing.T) {
	term, err := New().Terminated()
	require.NoError(t, err)
	require.Len(t, term, 1)
	assert.Nil(t, term[0])
}

func TestTerminated_RejectsNUL(t *testing.T) {
	v := New("ok", "bad\x00value")
	_, err := v.Terminated()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContainsNUL))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, New("a", "", "b=c").Validate())
	assert.NoError(t, (*Vector)(nil).Validate())

	err := New("ok", "x\x00y").Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContainsNUL))
	assert.Contains(t, err.Error(), "element 1")
}
