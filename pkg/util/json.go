package util

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

// DecodeValid unmarshals a JSON document into a new T and validates it
// with v.
func DecodeValid[T any](data []byte, v *validator.Validate) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	if err := v.Struct(&result); err != nil {
		return nil, err
	}
	return &result, nil
}
