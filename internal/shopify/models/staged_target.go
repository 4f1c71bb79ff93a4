package models

import "goshopify_bulk/internal/shopify/apierr"

// StagedUploadParameter is one form field the upload target requires verbatim.
type StagedUploadParameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StagedTarget is a one-time upload destination. Parameters keep the order
// in which the platform returned them.
type StagedTarget struct {
	URL         string                  `json:"url"`
	ResourceURL string                  `json:"resourceUrl,omitempty"`
	Parameters  []StagedUploadParameter `json:"parameters"`
}

// StagedUploadPath returns the "key" parameter, which is what
// bulkOperationRunMutation expects as stagedUploadPath.
func (t StagedTarget) StagedUploadPath() (string, error) {
	for _, p := range t.Parameters {
		if p.Name == "key" {
			return p.Value, nil
		}
	}
	return "", &apierr.ApiConsistencyError{Message: "staged target has no 'key' parameter"}
}
