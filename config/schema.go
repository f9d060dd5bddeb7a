package config

import (
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	"github.com/invopop/jsonschema"
	"github.com/shopspring/decimal"
)

// JSONSchema describes the config file, used by the config-schema command
func JSONSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
		FieldNameTag:              "mapstructure",
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			switch t {
			case reflect.TypeOf(decimal.Decimal{}):
				return &jsonschema.Schema{
					OneOf:       []*jsonschema.Schema{{Type: "string"}, {Type: "number"}},
					Title:       "Amount",
					Description: "Decimal amount in token units",
					Examples:    []interface{}{"1.5", 100},
				}
			case reflect.TypeOf(common.Address{}):
				return &jsonschema.Schema{
					Type:    "string",
					Title:   "Address",
					Pattern: "^0x[0-9a-fA-F]{40}$",
				}
			}
			return nil
		},
	}
	schema := r.Reflect(&Config{})
	schema.Title = "bridge-node config"
	return schema
}
