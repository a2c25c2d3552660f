package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf16"

	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/config"
	"github.com/inkline/orderforwarder/internal/tokencache"
)

// DropboxClient uploads files through the Dropbox HTTP API
type DropboxClient struct {
	apiURL     string
	contentURL string
	tokens     *tokencache.Cache
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// NewDropboxClient creates a Dropbox client. With a refresh token, short-lived access
// tokens are obtained on demand and cached; otherwise the static access token is used.
func NewDropboxClient(cfg config.DropboxConfig, timeout time.Duration, logger *zap.Logger) *DropboxClient {
	c := &DropboxClient{
		apiURL:     strings.TrimSuffix(cfg.APIURL, "/"),
		contentURL: strings.TrimSuffix(cfg.ContentURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
		now:    time.Now,
	}
	if cfg.RefreshToken != "" {
		c.tokens = tokencache.New(func(ctx context.Context) (tokencache.Token, error) {
			return c.refreshAccessToken(ctx, cfg)
		}, tokencache.DefaultSkew)
	} else {
		c.tokens = tokencache.Static(cfg.AccessToken)
	}
	return c
}

type dropboxTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *DropboxClient) refreshAccessToken(ctx context.Context, cfg config.DropboxConfig) (tokencache.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cfg.RefreshToken)
	form.Set("client_id", cfg.AppKey)
	form.Set("client_secret", cfg.AppSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return tokencache.Token{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return tokencache.Token{}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tokencache.Token{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return tokencache.Token{}, fmt.Errorf("dropbox token error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var tr dropboxTokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return tokencache.Token{}, fmt.Errorf("failed to unmarshal token response: %w", err)
	}

	c.logger.Debug("Refreshed Dropbox access token", zap.Int("expires_in", tr.ExpiresIn))
	tok := tokencache.Token{Value: tr.AccessToken}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

type dropboxUploadArg struct {
	Path       string `json:"path"`
	Mode       string `json:"mode"`
	Autorename bool   `json:"autorename"`
	Mute       bool   `json:"mute"`
}

type dropboxFileMetadata struct {
	Name        string `json:"name"`
	PathDisplay string `json:"path_display"`
	PathLower   string `json:"path_lower"`
	Size        int64  `json:"size"`
}

// Put uploads data to path. Dropbox renames on conflict, so the returned path may differ.
func (c *DropboxClient) Put(ctx context.Context, data []byte, path string) (Placement, error) {
	arg, err := headerJSON(dropboxUploadArg{Path: path, Mode: "add", Autorename: true, Mute: true})
	if err != nil {
		return Placement{}, err
	}

	body, status, err := c.do(ctx, c.contentURL+"/2/files/upload", func() (io.Reader, http.Header) {
		h := http.Header{}
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Dropbox-API-Arg", arg)
		return bytes.NewReader(data), h
	})
	if err != nil {
		return Placement{}, err
	}
	if status != http.StatusOK {
		return Placement{}, fmt.Errorf("dropbox upload error: status %d, body: %s", status, truncate(body))
	}

	var meta dropboxFileMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return Placement{}, fmt.Errorf("failed to unmarshal upload response: %w", err)
	}
	if meta.PathDisplay == "" {
		meta.PathDisplay = path
	}
	return Placement{Path: meta.PathDisplay}, nil
}

type dropboxLinkResponse struct {
	URL string `json:"url"`
}

type dropboxLinkError struct {
	ErrorSummary string `json:"error_summary"`
	Error        struct {
		Tag                    string `json:".tag"`
		SharedLinkAlreadyExist *struct {
			Metadata *dropboxLinkResponse `json:"metadata"`
		} `json:"shared_link_already_exists"`
	} `json:"error"`
}

// CreateLink returns a shared link for path, reusing an existing link when Dropbox
// reports one already exists.
func (c *DropboxClient) CreateLink(ctx context.Context, path string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"path":     path,
		"settings": map[string]string{"requested_visibility": "public"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	body, status, err := c.do(ctx, c.apiURL+"/2/sharing/create_shared_link_with_settings", jsonBody(payload))
	if err != nil {
		return "", err
	}

	switch status {
	case http.StatusOK:
		var link dropboxLinkResponse
		if err := json.Unmarshal(body, &link); err != nil {
			return "", fmt.Errorf("failed to unmarshal link response: %w", err)
		}
		return link.URL, nil
	case http.StatusConflict:
		var linkErr dropboxLinkError
		if err := json.Unmarshal(body, &linkErr); err != nil {
			return "", fmt.Errorf("dropbox link error: %s", truncate(body))
		}
		if !strings.HasPrefix(linkErr.ErrorSummary, "shared_link_already_exists") {
			return "", fmt.Errorf("dropbox link error: %s", linkErr.ErrorSummary)
		}
		if e := linkErr.Error.SharedLinkAlreadyExist; e != nil && e.Metadata != nil && e.Metadata.URL != "" {
			return e.Metadata.URL, nil
		}
		return c.existingLink(ctx, path)
	default:
		return "", fmt.Errorf("dropbox link error: status %d, body: %s", status, truncate(body))
	}
}

func (c *DropboxClient) existingLink(ctx context.Context, path string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{"path": path, "direct_only": true})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	body, status, err := c.do(ctx, c.apiURL+"/2/sharing/list_shared_links", jsonBody(payload))
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("dropbox list links error: status %d, body: %s", status, truncate(body))
	}

	var list struct {
		Links []dropboxLinkResponse `json:"links"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return "", fmt.Errorf("failed to unmarshal list response: %w", err)
	}
	if len(list.Links) == 0 {
		return "", errors.New("dropbox reported an existing shared link but listed none")
	}
	return list.Links[0].URL, nil
}

// do sends an authorized POST. A 401 invalidates the cached token and the request
// is sent once more with a fresh one; build is called per attempt.
func (c *DropboxClient) do(ctx context.Context, endpoint string, build func() (io.Reader, http.Header)) ([]byte, int, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Get(ctx, c.now())
		if err != nil {
			return nil, 0, fmt.Errorf("dropbox auth failed: %w", err)
		}

		reader, header := build()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header = header
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to execute request: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.logger.Warn("Dropbox rejected access token, refreshing")
			c.tokens.Invalidate()
			continue
		}
		return body, resp.StatusCode, nil
	}
}

func jsonBody(payload []byte) func() (io.Reader, http.Header) {
	return func() (io.Reader, http.Header) {
		h := http.Header{}
		h.Set("Content-Type", "application/json")
		return bytes.NewReader(payload), h
	}
}

// headerJSON encodes v for an HTTP header; non-ASCII runes must be \u escaped there.
func headerJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal api arg: %w", err)
	}
	var b strings.Builder
	for _, r := range string(raw) {
		if r < 0x80 {
			b.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(&b, "\\u%04x\\u%04x", r1, r2)
			continue
		}
		fmt.Fprintf(&b, "\\u%04x", r)
	}
	return b.String(), nil
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
