package shim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefCountImmediates(t *testing.T) {
	// Immediate values answer 0 without crossing the boundary, so no
	// instantiated module is needed.
	s := &Shim{}
	ctx := context.Background()

	for _, v := range []Value{Undefined, Null, True, False} {
		// Stable across repeated reads.
		for i := 0; i < 3; i++ {
			rc, err := s.RefCount(ctx, v)
			require.NoError(t, err)
			assert.Equal(t, int32(0), rc, "refcount of %s", v.Kind())
		}
	}
}
