// Package wacodec serializes session documents to JSON without losing binary
// fields. Raw byte sequences are encoded as {"type":"Buffer","data":[...]}
// objects and revived back to []byte on decode, so a document survives any
// number of store round-trips byte for byte.
package wacodec

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const bufferTag = "Buffer"

// Marshal encodes v, tagging every []byte it finds.
func Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, errors.Wrap(err, "wacodec: marshal")
	}
	return data, nil
}

// Unmarshal decodes data and revives tagged buffers back into []byte.
func Unmarshal(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "wacodec: unmarshal")
	}
	return revive(v), nil
}

// UnmarshalMap decodes a JSON object document.
func UnmarshalMap(data []byte) (map[string]interface{}, error) {
	v, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("wacodec: document is %T, not an object", v)
	}
	return m, nil
}

func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		data := make([]interface{}, len(val))
		for i, b := range val {
			data[i] = float64(b)
		}
		return map[string]interface{}{"type": bufferTag, "data": data}
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[k] = normalize(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

func revive(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if buf, ok := asBuffer(val); ok {
			return buf
		}
		for k, e := range val {
			val[k] = revive(e)
		}
		return val
	case []interface{}:
		for i, e := range val {
			val[i] = revive(e)
		}
		return val
	default:
		return v
	}
}

func asBuffer(m map[string]interface{}) ([]byte, bool) {
	if len(m) != 2 || m["type"] != bufferTag {
		return nil, false
	}
	raw, ok := m["data"].([]interface{})
	if !ok {
		return nil, false
	}
	buf := make([]byte, len(raw))
	for i, e := range raw {
		n, ok := e.(float64)
		if !ok {
			return nil, false
		}
		buf[i] = byte(n)
	}
	return buf, true
}
