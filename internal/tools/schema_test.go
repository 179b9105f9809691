package tools

import (
	"encoding/json"
	"testing"
)

func TestValidateSchema(t *testing.T) {
	cases := []struct {
		name    string
		schema  string
		wantErr bool
	}{
		{
			"minimal object",
			`{"type":"object","properties":{}}`,
			false,
		},
		{
			"typed properties with required",
			`{"type":"object","properties":{"city":{"type":"string"},"days":{"type":"integer"}},"required":["city"]}`,
			false,
		},
		{
			"array with typed items",
			`{"type":"object","properties":{"tags":{"type":"array","items":{"type":"string"}}}}`,
			false,
		},
		{
			"missing top-level type",
			`{"properties":{"x":{"type":"string"}}}`,
			true,
		},
		{
			"unsupported type",
			`{"type":"null"}`,
			true,
		},
		{
			"property without type",
			`{"type":"object","properties":{"x":{"description":"no type"}}}`,
			true,
		},
		{
			"array without items",
			`{"type":"object","properties":{"xs":{"type":"array"}}}`,
			true,
		},
		{
			"required not subset of properties",
			`{"type":"object","properties":{"a":{"type":"string"}},"required":["a","b"]}`,
			true,
		},
		{
			"not json",
			`{"type":`,
			true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSchema(json.RawMessage(tc.schema))
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateSchema() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
