package configstore

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schemas for the two stored documents. Structural checks live here; semantic
// rules such as the reserved category name or regex compilation are enforced
// by the category package after decoding.

const environmentSchema = `{
	"type": "object",
	"required": ["name", "tagNamespace"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"logLevel": {"type": "string", "enum": ["trace", "debug", "info", "warn", "error"]},
		"tagNamespace": {"type": "string", "minLength": 1, "pattern": "^[!-~]+$"},
		"maxTags": {"type": "integer", "minimum": 1},
		"refreshIntervalSeconds": {"type": "integer", "minimum": 1},
		"schemaVersion": {"type": "integer", "minimum": 1}
	}
}`

const categoriesSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["name", "pattern"],
		"properties": {
			"name": {"type": "string", "minLength": 1, "pattern": "^[^\\s:,]+$"},
			"pattern": {"type": "string", "minLength": 1},
			"ttl": {
				"type": "object",
				"properties": {
					"ok": {"type": "integer", "minimum": 0},
					"redirects": {"type": "integer", "minimum": 0},
					"clientError": {"type": "integer", "minimum": 0},
					"serverError": {"type": "integer", "minimum": 0},
					"info": {"type": "integer", "minimum": 0},
					"overrides": {
						"type": "object",
						"propertyNames": {"pattern": "^[1-5][0-9][0-9]$"},
						"additionalProperties": {"type": "integer", "minimum": 0}
					}
				}
			},
			"useQueryInCacheKey": {"type": "boolean"},
			"imageOptimization": {"type": "boolean"},
			"minify": {"type": "boolean"},
			"query": {
				"type": "object",
				"properties": {
					"include": {"type": "boolean"},
					"includeList": {"type": "array", "items": {"type": "string"}},
					"excludeList": {"type": "array", "items": {"type": "string"}},
					"sort": {"type": "boolean"},
					"normalize": {"type": "boolean"}
				}
			},
			"variants": {
				"type": "object",
				"properties": {
					"headers": {"type": "array", "items": {"type": "string"}},
					"cookies": {"type": "array", "items": {"type": "string"}},
					"clientHints": {"type": "array", "items": {"type": "string"}},
					"useAccept": {"type": "boolean"},
					"useUserAgent": {"type": "boolean"},
					"useClientIP": {"type": "boolean"}
				}
			},
			"tags": {
				"type": "object",
				"properties": {
					"queryParams": {"type": "array", "items": {"type": "string"}},
					"version": {"type": "boolean"}
				}
			},
			"directives": {
				"type": "object",
				"properties": {
					"private": {"type": "boolean"},
					"staleWhileRevalidate": {"type": "integer", "minimum": 0},
					"staleIfError": {"type": "integer", "minimum": 0},
					"mustRevalidate": {"type": "boolean"},
					"noCache": {"type": "boolean"},
					"noStore": {"type": "boolean"},
					"immutable": {"type": "boolean"},
					"preventCacheControlOverride": {"type": "boolean"}
				}
			}
		}
	}
}`

// validateJSON checks document against schema and reports all violations in
// one error, wrapped with ErrValidation.
func validateJSON(schema string, document []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(schema)
	documentLoader := gojsonschema.NewBytesLoader(document)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if result.Valid() {
		return nil
	}
	descriptions := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		descriptions = append(descriptions, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(descriptions, "; "))
}

// ValidateEnvironmentJSON checks a raw environment document.
func ValidateEnvironmentJSON(document []byte) error {
	return validateJSON(environmentSchema, document)
}

// ValidateCategoriesJSON checks a raw ordered category list document.
func ValidateCategoriesJSON(document []byte) error {
	return validateJSON(categoriesSchema, document)
}
