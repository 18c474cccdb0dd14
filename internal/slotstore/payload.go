package slotstore

import (
	"encoding/json"
	"maps"
)

// ProducerID identifies one concurrent producer. Snapshots are ordered by it.
type ProducerID int

// Payload is a schema-less published value. The store never interprets it.
type Payload map[string]any

// Clone returns a deep copy of p. Containers produced by the wire codecs and
// the common numeric slices are copied; scalars and unknown types are shared.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case Payload:
		return vv.Clone()
	case map[string]any:
		return map[string]any(Payload(vv).Clone())
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = cloneValue(item)
		}
		return out
	case []float64:
		return append([]float64(nil), vv...)
	case []float32:
		return append([]float32(nil), vv...)
	case []int:
		return append([]int(nil), vv...)
	case []int64:
		return append([]int64(nil), vv...)
	case []string:
		return append([]string(nil), vv...)
	case []byte:
		return append([]byte(nil), vv...)
	case map[string]string:
		return maps.Clone(vv)
	case map[string]float64:
		return maps.Clone(vv)
	default:
		return v
	}
}

// Sizer reports the encoded size of a payload in bytes.
type Sizer func(Payload) (int, error)

// JSONSize measures a payload by its JSON encoding.
func JSONSize(p Payload) (int, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
