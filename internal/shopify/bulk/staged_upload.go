package bulk

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"

	"goshopify_bulk/internal/shopify/apierr"
	"goshopify_bulk/internal/shopify/models"
	"goshopify_bulk/metrics"
)

const (
	uploadFileField   = "file"
	uploadFileName    = "bulk_op_vars.jsonl"
	uploadContentType = "text/jsonl"
	maxUploadErrBody  = 4096
)

func uploadSucceeded(status int) bool {
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return true
	}
	return false
}

// createStagedTarget reserves a one-time upload destination for bulk
// mutation variables.
func (m *MutationClient) createStagedTarget(ctx context.Context) (models.StagedTarget, error) {
	vars := map[string]any{
		"input": []map[string]any{{
			"resource":   "BULK_MUTATION_VARIABLES",
			"filename":   "bulk_op_vars",
			"mimeType":   uploadContentType,
			"httpMethod": http.MethodPost,
		}},
	}
	var resp struct {
		StagedUploadsCreate struct {
			StagedTargets []models.StagedTarget `json:"stagedTargets"`
			UserErrors    []apierr.UserError    `json:"userErrors"`
		} `json:"stagedUploadsCreate"`
	}
	if err := m.jobs.gql.Do(ctx, mutationStagedUploadsCreate, vars, &resp); err != nil {
		return models.StagedTarget{}, err
	}
	if errs := resp.StagedUploadsCreate.UserErrors; len(errs) > 0 {
		return models.StagedTarget{}, &apierr.RemoteUserError{Operation: "stagedUploadsCreate", Fields: errs}
	}
	targets := resp.StagedUploadsCreate.StagedTargets
	if len(targets) == 0 || targets[0].URL == "" {
		return models.StagedTarget{}, &apierr.ApiConsistencyError{Message: "stagedUploadsCreate returned no staged target"}
	}
	return targets[0], nil
}

// uploadStaged POSTs the change-set at path to the target as
// multipart/form-data. The target's parameters go first, in the order the
// platform returned them, and the file part is always last. The body is
// streamed, the file is never held in memory.
func uploadStaged(ctx context.Context, client *http.Client, target models.StagedTarget, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open change-set: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(writeUploadBody(mw, target.Parameters, f))
	}()
	defer func() {
		_ = pr.Close()
		<-done
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, pr)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		metrics.RecordStagedUpload(0)
		return fmt.Errorf("staged upload request failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.RecordStagedUpload(resp.StatusCode)

	if !uploadSucceeded(resp.StatusCode) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxUploadErrBody))
		return &apierr.StagedUploadError{HTTPStatus: resp.StatusCode, Body: string(body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func writeUploadBody(mw *multipart.Writer, params []models.StagedUploadParameter, file io.Reader) error {
	for _, p := range params {
		if err := mw.WriteField(p.Name, p.Value); err != nil {
			return fmt.Errorf("failed to write form field %s: %w", p.Name, err)
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, uploadFileField, uploadFileName))
	h.Set("Content-Type", uploadContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to stream change-set: %w", err)
	}
	return mw.Close()
}
