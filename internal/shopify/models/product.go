package models

import "encoding/json"

// ProductSEO holds optional SEO fields. A nil field is absent and is left
// untouched remotely; a non-nil field, even "", is sent as given.
type ProductSEO struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

// IsEmpty reports whether neither field is set.
func (s *ProductSEO) IsEmpty() bool {
	return s == nil || (s.Title == nil && s.Description == nil)
}

// ProductUpdateSpec is the caller's intent for one product.
//
// TagsFull is the override escape hatch: nil means "not supplied" and the
// add/remove delta is applied to the current tags; a non-nil slice (even an
// empty one) replaces the tags outright.
type ProductUpdateSpec struct {
	ProductID  string      `json:"product_id"`
	TagsAdd    []string    `json:"tags_add,omitempty"`
	TagsRemove []string    `json:"tags_remove,omitempty"`
	TagsFull   []string    `json:"tags_full,omitempty"`
	SEO        *ProductSEO `json:"seo,omitempty"`
}

// HasTagIntent reports whether the spec asks for any tag change.
func (s ProductUpdateSpec) HasTagIntent() bool {
	return s.TagsFull != nil || len(s.TagsAdd) > 0 || len(s.TagsRemove) > 0
}

// ProductState is the authoritative remote state read back before a merge.
type ProductState struct {
	ID   string      `json:"id"`
	Tags []string    `json:"tags"`
	SEO  *ProductSEO `json:"seo,omitempty"`
}

// ProductUpdateInput is the resolved, total update for one product and the
// only product shape sent to the platform.
type ProductUpdateInput struct {
	ID   string
	Tags []string
	SEO  *ProductSEO
}

type productUpdateWire struct {
	ID   string      `json:"id"`
	Tags *[]string   `json:"tags,omitempty"`
	SEO  *ProductSEO `json:"seo,omitempty"`
}

// MarshalJSON writes tags only when they were resolved (an empty set is
// written as []), and seo only when at least one field is present.
func (in ProductUpdateInput) MarshalJSON() ([]byte, error) {
	w := productUpdateWire{ID: in.ID}
	if in.Tags != nil {
		tags := in.Tags
		w.Tags = &tags
	}
	if !in.SEO.IsEmpty() {
		w.SEO = in.SEO
	}
	return json.Marshal(w)
}

// ChangeSetLine is one line of the bulk mutation variables file.
type ChangeSetLine struct {
	Product ProductUpdateInput `json:"product"`
}
