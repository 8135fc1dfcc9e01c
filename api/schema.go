package api

import (
	_ "embed"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed item.schema.json
var defaultItemSchema string

// ItemValidator validates catalog items against a JSON schema, loaded once.
// An empty path selects the built-in item schema.
type ItemValidator struct {
	once   sync.Once
	schema *gojsonschema.Schema
	err    error
	path   string
}

func NewItemValidator(schemaPath string) *ItemValidator {
	return &ItemValidator{path: schemaPath}
}

func (v *ItemValidator) load() {
	var loader gojsonschema.JSONLoader
	if v.path == "" {
		loader = gojsonschema.NewStringLoader(defaultItemSchema)
	} else {
		abs, err := filepath.Abs(v.path)
		if err != nil {
			v.err = fmt.Errorf("schema path: %w", err)
			return
		}
		loader = gojsonschema.NewReferenceLoader("file://" + filepath.ToSlash(abs))
	}
	v.schema, v.err = gojsonschema.NewSchema(loader)
	if v.err != nil {
		v.err = fmt.Errorf("compile schema: %w", v.err)
	}
}

// Validate checks one JSON document.
func (v *ItemValidator) Validate(doc []byte) error {
	v.once.Do(v.load)
	if v.err != nil {
		return v.err
	}
	res, err := v.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return err
	}
	if !res.Valid() {
		return fmt.Errorf("item invalid: %v", res.Errors())
	}
	return nil
}
