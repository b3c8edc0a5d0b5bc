package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/square-key-labs/avatarcall/src/callmetrics"
)

// HTTPUploader posts recordings to an upload endpoint that stores and
// analyses them
type HTTPUploader struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewHTTPUploader(endpoint, token string) *HTTPUploader {
	return &HTTPUploader{
		Endpoint: endpoint,
		Token:    token,
		Client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

type uploadResponse struct {
	URL      string                `json:"url"`
	Analysis *callmetrics.Analysis `json:"analysis"`
}

func (u *HTTPUploader) Upload(ctx context.Context, callID string, blob Blob) (Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("callId", callID); err != nil {
		return Result{}, err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="recording.%s"`, blob.Extension))
	h.Set("Content-Type", blob.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return Result{}, err
	}
	if _, err := part.Write(blob.Data); err != nil {
		return Result{}, err
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Endpoint, &body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}

	resp, err := u.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to upload recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("invalid upload response: %w", err)
	}
	if out.URL == "" {
		return Result{}, fmt.Errorf("upload response has no url")
	}
	return Result{URL: out.URL, Analysis: out.Analysis}, nil
}
