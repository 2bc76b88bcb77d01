// Package mattermost posts qualifying messages to a Mattermost channel
// through the REST v4 API: attachment bytes are uploaded first, then a
// post is created referencing the uploaded file IDs and carrying the
// structured payload as post props.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/config"
	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/httpkit"
)

// ErrNotify covers delivery failures against the Mattermost API. The
// runner treats them as per-message failures: logged, the message stays
// out of the dedup list, the scan continues.
var ErrNotify = errors.New("mattermost notification failed")

// maxErrorBody bounds how much of an error response is read for logging.
const maxErrorBody = 4 * 1024

// Client is a Mattermost REST v4 client scoped to one channel.
type Client struct {
	baseURL   string
	token     string
	channelID string
	http      *http.Client
	logger    *slog.Logger
}

// New creates a Mattermost client from configuration.
func New(cfg config.MattermostConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		token:     cfg.Token,
		channelID: cfg.ChannelID,
		http:      httpkit.NewClient(httpkit.WithTimeout(60 * time.Second)),
		logger:    logger,
	}
}

// fileUploadResponse is the relevant slice of the /files response.
type fileUploadResponse struct {
	FileInfos []struct {
		ID string `json:"id"`
	} `json:"file_infos"`
}

// UploadAttachment uploads one file to the channel and returns its file
// ID for use in a subsequent post.
func (c *Client) UploadAttachment(ctx context.Context, filename, mimeType string, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="files"; filename=%q`, filename))
	partHeader.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		return "", fmt.Errorf("%w: create multipart: %w", ErrNotify, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("%w: write multipart: %w", ErrNotify, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("%w: close multipart: %w", ErrNotify, err)
	}

	endpoint := fmt.Sprintf("%s/api/v4/files?channel_id=%s&filename=%s",
		c.baseURL, url.QueryEscape(c.channelID), url.QueryEscape(filename))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("%w: build upload request: %w", ErrNotify, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: upload %s: %w", ErrNotify, filename, err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxErrorBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", c.apiError("upload "+filename, resp)
	}

	var uploaded fileUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", fmt.Errorf("%w: decode upload response: %w", ErrNotify, err)
	}
	if len(uploaded.FileInfos) == 0 {
		return "", fmt.Errorf("%w: upload %s: no file info returned", ErrNotify, filename)
	}

	fileID := uploaded.FileInfos[0].ID
	c.logger.Debug("attachment uploaded", "filename", filename, "file_id", fileID)
	return fileID, nil
}

// postRequest is the /posts request body.
type postRequest struct {
	ChannelID string         `json:"channel_id"`
	Message   string         `json:"message"`
	FileIDs   []string       `json:"file_ids,omitempty"`
	Props     map[string]any `json:"props,omitempty"`
}

// Notify creates a post for one payload, referencing previously uploaded
// file IDs. The structured payload travels in the post props under the
// "email" key.
func (c *Client) Notify(ctx context.Context, p *Payload, fileIDs []string) error {
	body, err := json.Marshal(postRequest{
		ChannelID: c.channelID,
		Message:   p.RenderMarkdown(),
		FileIDs:   fileIDs,
		Props:     map[string]any{"email": p},
	})
	if err != nil {
		return fmt.Errorf("%w: encode post: %w", ErrNotify, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v4/posts", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build post request: %w", ErrNotify, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post message %s: %w", ErrNotify, p.MessageID, err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxErrorBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError("post message "+p.MessageID, resp)
	}

	c.logger.Debug("notification posted", "message_id", p.MessageID, "files", len(fileIDs))
	return nil
}

// apiError builds an error from a non-2xx API response, including a
// bounded slice of the response body for diagnosis.
func (c *Client) apiError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("%w: %s: status %d: %s", ErrNotify, op, resp.StatusCode,
		strings.TrimSpace(string(snippet)))
}
