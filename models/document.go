package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// decodeDocument decodes a free-form config document into out. Keys that are
// not recognized end up in the field tagged `mapstructure:",remain"`.
func decodeDocument(doc map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("failed to build config decoder: %w", err)
	}
	if err := dec.Decode(doc); err != nil {
		return fmt.Errorf("failed to decode config document: %w", err)
	}
	return nil
}

// encodeDocument marshals the known fields and merges unknown keys back in.
// Known fields win when both define the same key.
func encodeDocument(known interface{}, extra map[string]interface{}) ([]byte, error) {
	raw, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return raw, nil
	}

	doc := make(map[string]interface{}, len(extra))
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, exists := doc[k]; !exists {
			doc[k] = v
		}
	}
	return json.Marshal(doc)
}

func unmarshalDocument(data []byte, out interface{}) error {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return decodeDocument(doc, out)
}

// scanJSON adapts JSONB columns to json.Unmarshaler targets.
func scanJSON(src interface{}, dst json.Unmarshaler) error {
	switch v := src.(type) {
	case nil:
		return dst.UnmarshalJSON([]byte("{}"))
	case []byte:
		if len(v) == 0 {
			return dst.UnmarshalJSON([]byte("{}"))
		}
		return dst.UnmarshalJSON(v)
	case string:
		return dst.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("unsupported config column type %T", src)
	}
}

func jsonValue(v json.Marshaler) (driver.Value, error) {
	b, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return b, nil
}
