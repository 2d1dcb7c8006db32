// Package jsoncodec is the JSON encoder used for envelope payloads. It is
// backed by sonic in std-compatible mode so field tags behave like encoding/json.
package jsoncodec

import (
	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Valid reports whether data is a syntactically valid JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}
