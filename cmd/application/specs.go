package main

import (
	"encoding/json"
	"fmt"
	"os"

	"goshopify_bulk/internal/shopify/models"
)

// loadSpecs reads a JSON array of product updates. Unknown fields are
// rejected so a misspelt "tags_full" cannot silently turn into a delta.
func loadSpecs(path string) ([]models.ProductUpdateSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var specs []models.ProductUpdateSpec
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&specs); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return specs, nil
}
