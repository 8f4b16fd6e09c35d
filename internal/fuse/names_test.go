package fuse

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestEncodeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain.txt", "plain.txt"},
		{"100%.txt", "100%.txt"},
		{"caf\xc3\xa9", "café"},
		{"bad\xffname", "bad%FFname"},
		{"50%\xfe", "50%25%FE"},
		{"\xc3", "%C3"},
	}
	for _, tt := range tests {
		got := EncodeName(tt.in)
		assert.Equal(t, tt.want, got, "EncodeName(%q)", tt.in)
		assert.True(t, utf8.ValidString(got))
	}
}

func TestChildPath(t *testing.T) {
	assert.Equal(t, "/a", childPath("/", "a"))
	assert.Equal(t, "/d/a", childPath("/d", "a"))
	assert.Equal(t, "/d/%FF", childPath("/d", "\xff"))
}

func TestParseGroups(t *testing.T) {
	status := "Name:\tbash\nUid:\t1000\t1000\t1000\t1000\nGid:\t1000\t1000\t1000\t1000\nGroups:\t4 24 27 1000 \nNgid:\t0\n"
	assert.Equal(t, []uint32{4, 24, 27, 1000}, parseGroups(status))

	assert.Empty(t, parseGroups("Groups:\t\n"))
	assert.Nil(t, parseGroups("Name:\tinit\n"))
}
