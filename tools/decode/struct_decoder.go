package decode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Options 用于定制 Decode 行为。
type Options struct {
	// 宽松解码（默认 true）：123 -> "123"、"1" -> int 等。
	WeaklyTypedInput bool
	// 结构体字段读取的 tag（默认 json）
	TagName string
}

func DefaultOptions() Options {
	return Options{WeaklyTypedInput: true, TagName: "json"}
}

// DecodeMap decodes a loosely typed map (session payloads, frame data) into T.
func DecodeMap[T any](m map[string]any, opts ...Options) (*T, error) {
	if m == nil {
		return nil, fmt.Errorf("map is nil")
	}
	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
		if cfg.TagName == "" {
			cfg.TagName = "json"
		}
	}

	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          cfg.TagName,
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			floatToIntHook(),
			jsonRawStringToMapHook(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode map: %w", err)
	}
	return &out, nil
}

// DecodeJSON parses raw JSON (numbers kept exact) and decodes it into T.
func DecodeJSON[T any](raw []byte, opts ...Options) (*T, error) {
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	var m map[string]any
	if err := d.Decode(&m); err != nil {
		return nil, fmt.Errorf("unmarshal json: %w", err)
	}
	return DecodeMap[T](m, opts...)
}

// ReadString 读取 string 字段，数字会被格式化成字符串。
func ReadString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", fmt.Errorf("missing field %q", key)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case float64:
		return fmt.Sprintf("%.0f", t), nil
	default:
		return "", fmt.Errorf("field %q not string (got %T)", key, v)
	}
}

// floatToIntHook：把 float64 自动转为 int / int32 / int64。
func floatToIntHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Float64 {
			return data, nil
		}
		switch to {
		case reflect.Int:
			return int(data.(float64)), nil
		case reflect.Int32:
			return int32(data.(float64)), nil
		case reflect.Int64:
			return int64(data.(float64)), nil
		}
		return data, nil
	}
}

// jsonRawStringToMapHook：把 JSON 字符串自动转为 map[string]any（嵌套的字符串 JSON 字段，目标为 map 或 struct）。
func jsonRawStringToMapHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.String || (to != reflect.Map && to != reflect.Struct) {
			return data, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(data.(string)), &m); err == nil {
			return m, nil
		}
		return data, nil
	}
}
