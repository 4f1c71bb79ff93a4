package bulk

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"goshopify_bulk/internal/shopify/models"
)

// FullTags returns an override list as sent: sorted and de-duplicated,
// each tag kept byte for byte. The result is never nil.
func FullTags(tags []string) []string {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return sortedKeys(set)
}

func canonicalTag(t string) string {
	return strings.TrimSpace(norm.NFC.String(t))
}

// MergeTags computes (current ∪ add) − remove over canonical tags. The
// result does not depend on input order, and merging it again with the same
// add and remove lists returns it unchanged.
func MergeTags(current, add, remove []string) []string {
	set := make(map[string]struct{}, len(current)+len(add))
	for _, t := range current {
		if t = canonicalTag(t); t != "" {
			set[t] = struct{}{}
		}
	}
	for _, t := range add {
		if t = canonicalTag(t); t != "" {
			set[t] = struct{}{}
		}
	}
	for _, t := range remove {
		delete(set, canonicalTag(t))
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Resolve turns one spec and the product's current state into the total
// update sent to the platform. current may be nil for a product the read
// back did not return; its tags are then taken as empty.
//
// A full tag list wins over add/remove and skips normalisation. Tags are left out entirely when the
// spec asks for no tag change, and SEO carries only the supplied fields.
func Resolve(spec models.ProductUpdateSpec, current *models.ProductState) models.ProductUpdateInput {
	in := models.ProductUpdateInput{ID: spec.ProductID}

	switch {
	case spec.TagsFull != nil:
		in.Tags = FullTags(spec.TagsFull)
	case spec.HasTagIntent():
		var tags []string
		if current != nil {
			tags = current.Tags
		}
		in.Tags = MergeTags(tags, spec.TagsAdd, spec.TagsRemove)
	}

	if !spec.SEO.IsEmpty() {
		in.SEO = &models.ProductSEO{Title: spec.SEO.Title, Description: spec.SEO.Description}
	}
	return in
}
