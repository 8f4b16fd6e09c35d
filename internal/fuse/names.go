package fuse

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"
)

// RawNameXattr holds the original bytes of a name that had to be
// percent-encoded.
const RawNameXattr = "user.agentfs.rawname"

// EncodeName returns name unchanged when it is valid UTF-8. Otherwise every
// byte that is not part of a valid sequence, and every '%', is written as
// %XX so the result is a valid engine name.
func EncodeName(name string) string {
	if utf8.ValidString(name) {
		return name
	}
	var b strings.Builder
	b.Grow(len(name) + 8)
	for i := 0; i < len(name); {
		r, size := utf8.DecodeRuneInString(name[i:])
		if (r == utf8.RuneError && size == 1) || name[i] == '%' {
			fmt.Fprintf(&b, "%%%02X", name[i])
			i++
			continue
		}
		b.WriteString(name[i : i+size])
		i += size
	}
	return b.String()
}

// childPath joins an absolute directory path and a raw name.
func childPath(dir, name string) string {
	name = EncodeName(name)
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// groupsOf reads the supplementary groups of pid from procfs. It returns
// nil when the process is gone or procfs is unavailable.
func groupsOf(pid uint32) []uint32 {
	data, err := os.ReadFile("/proc/" + strconv.FormatUint(uint64(pid), 10) + "/status")
	if err != nil {
		return nil
	}
	return parseGroups(string(data))
}

func parseGroups(status string) []uint32 {
	for line := range strings.Lines(status) {
		rest, ok := strings.CutPrefix(line, "Groups:")
		if !ok {
			continue
		}
		var groups []uint32
		for _, f := range strings.Fields(rest) {
			gid, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				continue
			}
			groups = append(groups, uint32(gid))
		}
		return groups
	}
	return nil
}
