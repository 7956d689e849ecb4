// Package jsonx is the JSON codec used for status responses and published
// client records.
package jsonx

import "github.com/bytedance/sonic"

var fastJSON = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return fastJSON.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return fastJSON.Unmarshal(data, v)
}
