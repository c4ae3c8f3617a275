package resource

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// recordETag computes the ETag for a row under the descriptor's policy:
// a configured etagField is used verbatim as a strong ETag; otherwise a
// version column yields W/"<id>:<version>"; otherwise the row is hashed.
func (d *Descriptor) recordETag(row map[string]any) string {
	if d.ETagField != "" {
		if v, ok := row[d.ETagField]; ok && v != nil {
			return fmt.Sprintf("%q", fmt.Sprint(v))
		}
	}
	if d.VersionField != "" {
		if v, ok := row[d.VersionField]; ok && v != nil {
			id := fmt.Sprint(row[d.Table.PrimaryKey])
			return fmt.Sprintf("W/%q", id+":"+fmt.Sprint(v))
		}
	}
	return fmt.Sprintf("W/%q", hashRow(row))
}

// hashRow digests a row in key order so the same committed state always
// hashes the same regardless of map iteration.
func hashRow(row map[string]any) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := md5.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		raw, err := json.Marshal(row[k])
		if err != nil {
			fmt.Fprint(h, row[k])
		} else {
			h.Write(raw)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// etagMatch implements If-Match / If-None-Match comparison. The wildcard
// matches any existing representation; otherwise comparison is exact
// against each listed tag, ignoring weakness (W/ prefix) so a weak ETag
// round-trips through either header.
func etagMatch(headerValue, current string) bool {
	headerValue = strings.TrimSpace(headerValue)
	if headerValue == "*" {
		return true
	}
	for _, candidate := range strings.Split(headerValue, ",") {
		if stripWeak(strings.TrimSpace(candidate)) == stripWeak(current) {
			return true
		}
	}
	return false
}

func stripWeak(tag string) string {
	return strings.TrimPrefix(tag, "W/")
}
