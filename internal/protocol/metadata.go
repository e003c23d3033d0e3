package protocol

import (
	"sort"
	"strings"

	"github.com/objectfs/fdfs/pkg/types"
)

// EncodeMetadata joins key/value pairs with the field separator and pairs with
// the record separator. Keys are sorted so the encoding is deterministic.
func EncodeMetadata(meta types.Metadata, cs *Charset) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(RecordSeparator)
		}
		sb.WriteString(k)
		sb.WriteString(FieldSeparator)
		sb.WriteString(meta[k])
	}
	return cs.Encode(sb.String())
}

// DecodeMetadata parses a metadata body. Records without both a key and a
// value are skipped.
func DecodeMetadata(body []byte, cs *Charset) types.Metadata {
	meta := make(types.Metadata)
	if len(body) == 0 {
		return meta
	}

	for _, record := range strings.Split(cs.Decode(body), RecordSeparator) {
		fields := strings.Split(record, FieldSeparator)
		if len(fields) < 2 {
			continue
		}
		meta[Trim(fields[0])] = Trim(fields[1])
	}
	return meta
}
