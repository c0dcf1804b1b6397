package stringinterner

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// StringInterner hands out one shared copy of each recently seen string. Worker addresses and failure messages arrive
// freshly decoded with every response, and nodes and trace events keep them for as long as the plan runs.
type StringInterner struct {
	seen *lru.Cache
}

// New panics if size is zero.
func New(size uint32) *StringInterner {
	seen, err := lru.New(int(size))
	if err != nil {
		panic(errors.Wrapf(err, "creating string interner of size %d", size))
	}
	return &StringInterner{seen: seen}
}

func (si *StringInterner) Intern(s string) string {
	existing, found, _ := si.seen.PeekOrAdd(s, s)
	if !found {
		return s
	}
	return existing.(string)
}

// Len is the number of strings held.
func (si *StringInterner) Len() int {
	return si.seen.Len()
}
