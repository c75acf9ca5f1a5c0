package spatialcache

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"math"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/zeebo/blake3"
)

// Context is a bag of named values describing one pipeline invocation.
type Context interface {
	Get(name string) (any, bool)
}

// MapContext is a Context backed by a map.
type MapContext map[string]any

func (m MapContext) Get(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// type tags; a missing value has its own tag so it never collides with an
// empty string
const (
	tagMissing byte = iota
	tagNil
	tagString
	tagBytes
	tagBool
	tagInt
	tagUint
	tagFloat
	tagBound
	tagPoint
	tagStringer
	tagOther
)

// DeriveKey returns a 64 hex character key for the values of names in ctx.
//
// Only the listed names are read, in the given order. Each contributes its
// length-prefixed name, a type tag and its length-prefixed encoded value, so
// different selections can never serialize to the same bytes.
func DeriveKey(ctx Context, names ...string) string {
	h := blake3.New()
	for _, name := range names {
		writeField(h, []byte(name))
		v, ok := ctx.Get(name)
		if !ok {
			h.Write([]byte{tagMissing})
			continue
		}
		tag, data := encodeValue(v)
		h.Write([]byte{tag})
		writeField(h, data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, b []byte) {
	var n [binary.MaxVarintLen64]byte
	h.Write(n[:binary.PutUvarint(n[:], uint64(len(b)))])
	h.Write(b)
}

func encodeValue(v any) (byte, []byte) {
	switch x := v.(type) {
	case nil:
		return tagNil, nil
	case string:
		return tagString, []byte(x)
	case []byte:
		return tagBytes, x
	case bool:
		if x {
			return tagBool, []byte{1}
		}
		return tagBool, []byte{0}
	case int:
		return tagInt, strconv.AppendInt(nil, int64(x), 10)
	case int32:
		return tagInt, strconv.AppendInt(nil, int64(x), 10)
	case int64:
		return tagInt, strconv.AppendInt(nil, x, 10)
	case uint:
		return tagUint, strconv.AppendUint(nil, uint64(x), 10)
	case uint32:
		return tagUint, strconv.AppendUint(nil, uint64(x), 10)
	case uint64:
		return tagUint, strconv.AppendUint(nil, x, 10)
	case float32:
		return tagFloat, binary.BigEndian.AppendUint64(nil, math.Float64bits(float64(x)))
	case float64:
		return tagFloat, binary.BigEndian.AppendUint64(nil, math.Float64bits(x))
	case orb.Bound:
		b := make([]byte, 0, 32)
		for _, f := range []float64{x.Min[0], x.Min[1], x.Max[0], x.Max[1]} {
			b = binary.BigEndian.AppendUint64(b, math.Float64bits(f))
		}
		return tagBound, b
	case orb.Point:
		b := binary.BigEndian.AppendUint64(nil, math.Float64bits(x[0]))
		return tagPoint, binary.BigEndian.AppendUint64(b, math.Float64bits(x[1]))
	case fmt.Stringer:
		return tagStringer, []byte(x.String())
	default:
		return tagOther, []byte(fmt.Sprintf("%T:%v", v, v))
	}
}
