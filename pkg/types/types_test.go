package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallerGroups(t *testing.T) {
	t.Parallel()

	c := Caller{UID: 1000, GID: 100, Groups: []uint32{10, 20}}
	assert.False(t, c.IsRoot())
	assert.True(t, c.InGroup(100))
	assert.True(t, c.InGroup(20))
	assert.False(t, c.InGroup(30))
	assert.True(t, Caller{}.IsRoot())
}

func TestLockRangeEnd(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(15), LockRange{Offset: 5, Length: 10}.End())
	assert.Equal(t, ^uint64(0), LockRange{Offset: 5}.End(), "zero length extends to EOF")
	assert.Equal(t, ^uint64(0), LockRange{Offset: ^uint64(0) - 1, Length: 10}.End(), "overflow saturates")
}

func TestLockRangeConflicts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b LockRange
		want bool
	}{
		{"disjoint exclusive", LockRange{0, 10, LockExclusive}, LockRange{10, 5, LockExclusive}, false},
		{"overlapping shared", LockRange{0, 10, LockShared}, LockRange{5, 10, LockShared}, false},
		{"overlapping exclusive", LockRange{0, 10, LockExclusive}, LockRange{5, 10, LockShared}, true},
		{"shared against exclusive", LockRange{0, 10, LockShared}, LockRange{9, 1, LockExclusive}, true},
		{"to eof", LockRange{100, 0, LockExclusive}, LockRange{1 << 40, 1, LockShared}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.ConflictsWith(tt.b))
			assert.Equal(t, tt.want, tt.b.ConflictsWith(tt.a))
		})
	}
}

func TestShareModeHas(t *testing.T) {
	t.Parallel()

	assert.True(t, ShareAll.Has(ShareDelete))
	assert.True(t, (ShareRead | ShareWrite).Has(ShareRead|ShareWrite))
	assert.False(t, ShareRead.Has(ShareWrite))
}

func TestKindStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "directory", KindDirectory.String())
	assert.Equal(t, "exclusive", LockExclusive.String())
	assert.Equal(t, "process_bound", EventProcessBound.String())
	assert.Equal(t, "unknown", NodeKind(0).String())
}
