// Package canonical produces the deterministic byte encoding of a record set
// that is used as the signing payload. Two semantically equal record sets
// always serialize to byte-identical output, regardless of storage retrieval
// order or map iteration order.
package canonical

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"

	"github.com/meridian-data/meridian-signer/pkg/schema"
)

// ErrUnsupportedValue is returned for values that have no deterministic
// encoding (NaN, infinities, unknown Go types).
var ErrUnsupportedValue = errors.New("value cannot be canonically serialized")

// Serialize encodes a record set into the signing payload.
//
// Tombstones are filtered out, records are sorted by id, object keys are
// sorted bytewise, and the collection timestamp is embedded as a decimal
// string. Embedding the timestamp is a versioned contract change: verifiers
// that predate it cannot validate these payloads.
func Serialize(records []schema.Record, collectionTimestamp int64) ([]byte, error) {
	live := make([]schema.Record, 0, len(records))
	for _, rec := range records {
		if rec.Deleted {
			continue
		}
		live = append(live, rec)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })

	var buf bytes.Buffer
	buf.WriteString(`{"data":[`)
	for i, rec := range live {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := appendRecord(&buf, rec); err != nil {
			return nil, fmt.Errorf("record %q: %w", rec.ID, err)
		}
	}
	buf.WriteString(`],"last_modified":`)
	appendString(&buf, strconv.FormatInt(collectionTimestamp, 10))
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// appendRecord flattens a record into a single object: the payload fields
// plus id and last_modified, all keys sorted together.
func appendRecord(buf *bytes.Buffer, rec schema.Record) error {
	flat := make(map[string]any, len(rec.Data)+2)
	for k, v := range rec.Data {
		flat[k] = v
	}
	flat["id"] = rec.ID
	flat["last_modified"] = rec.LastModified
	return appendValue(buf, flat)
}

func appendValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		appendString(buf, val)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case float64:
		return appendFloat(buf, val)
	case float32:
		return appendFloat(buf, float64(val))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendString(buf, k)
			buf.WriteByte(':')
			if err := appendValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return nil
}

// appendFloat emits integral values in [-2^53, 2^53] without fraction or
// exponent; everything else uses the shortest round-trip representation.
func appendFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite number", ErrUnsupportedValue)
	}
	const maxSafeInteger = 1 << 53
	if f == math.Trunc(f) && math.Abs(f) <= maxSafeInteger {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// appendString writes an NFC-normalized, ASCII-only JSON string. Non-ASCII
// runes are escaped as \uXXXX, with surrogate pairs above the BMP.
func appendString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			switch {
			case r < 0x20:
				fmt.Fprintf(buf, `\u%04x`, r)
			case r < 0x80:
				buf.WriteRune(r)
			case r <= 0xFFFF:
				fmt.Fprintf(buf, `\u%04x`, r)
			default:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
			}
		}
	}
	buf.WriteByte('"')
}
