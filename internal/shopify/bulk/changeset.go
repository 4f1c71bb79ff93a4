package bulk

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"goshopify_bulk/internal/shopify/models"
)

const changeSetPattern = "shopbulk_mutation_*.jsonl"

// writeChangeSet writes one {"product": {...}} line per input to a new
// private temp file in dir and returns its path. On error no file is left
// behind.
func writeChangeSet(dir string, inputs []models.ProductUpdateInput) (path string, err error) {
	f, err := os.CreateTemp(dir, changeSetPattern)
	if err != nil {
		return "", fmt.Errorf("failed to create change-set file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, in := range inputs {
		if err = enc.Encode(models.ChangeSetLine{Product: in}); err != nil {
			return "", fmt.Errorf("failed to encode change-set line for %s: %w", in.ID, err)
		}
	}
	if err = w.Flush(); err != nil {
		return "", fmt.Errorf("failed to write change-set: %w", err)
	}
	if err = f.Close(); err != nil {
		return "", fmt.Errorf("failed to close change-set: %w", err)
	}
	return f.Name(), nil
}

// decodeCurrentState stream-decodes a bulk query result and keeps only the
// products in wanted. The result of a products query has one object per
// line and no nested connections, so every line is a product.
func decodeCurrentState(r io.Reader, wanted map[string]struct{}) (map[string]models.ProductState, error) {
	out := make(map[string]models.ProductState, len(wanted))
	dec := json.NewDecoder(r)
	for line := 1; ; line++ {
		var st models.ProductState
		if err := dec.Decode(&st); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("failed to decode result line %d: %w", line, err)
		}
		if _, ok := wanted[st.ID]; ok {
			out[st.ID] = st
		}
	}
}
