package stringinterner

import (
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestIntern_ReturnsCachedCopy(t *testing.T) {
	interner := New(2)
	a := strings.Repeat("w", 3)
	b := strings.Repeat("w", 3)

	first := interner.Intern(a)
	second := interner.Intern(b)

	assert.Equal(t, "www", second)
	assert.Equal(t, unsafe.StringData(first), unsafe.StringData(second))
	assert.Equal(t, 1, interner.Len())
}

func TestIntern_Evicts(t *testing.T) {
	interner := New(2)
	interner.Intern("a")
	interner.Intern("b")
	interner.Intern("c")
	assert.Equal(t, 2, interner.Len())
}

func TestNew_ZeroSizePanics(t *testing.T) {
	assert.Panics(t, func() { New(0) })
}
