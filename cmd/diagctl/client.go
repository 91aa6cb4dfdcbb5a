package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hydrodiag/hydrodiag-ai/internal/artifact"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/engine"
	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

const defaultServer = "http://localhost:8000"

// conversation runs turns and stores artifacts, remotely or in-process.
type conversation interface {
	Turn(ctx context.Context, sessionID, text, artifactID string) (*types.Result, error)
	Upload(ctx context.Context, path string) (types.UploadResponse, error)
}

// remoteClient talks to a hydrodiag-ai server.
type remoteClient struct {
	baseURL    string
	httpClient *http.Client
}

func newRemoteClient(baseURL string) *remoteClient {
	return &remoteClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *remoteClient) Turn(ctx context.Context, sessionID, text, artifactID string) (*types.Result, error) {
	body, err := json.Marshal(types.AgentRequest{Text: text, SessionID: sessionID, ArtifactID: artifactID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var res types.Result
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *remoteClient) Upload(ctx context.Context, path string) (types.UploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.UploadResponse{}, err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return types.UploadResponse{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return types.UploadResponse{}, err
	}
	if err := w.Close(); err != nil {
		return types.UploadResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &buf)
	if err != nil {
		return types.UploadResponse{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var up types.UploadResponse
	if err := c.do(req, &up); err != nil {
		return types.UploadResponse{}, err
	}
	return up, nil
}

func (c *remoteClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var errResp types.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s %s: %d %s: %s", req.Method, req.URL.Path, resp.StatusCode, errResp.Error, errResp.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// localConversation runs the engine in-process.
type localConversation struct {
	engine    engine.Engine
	artifacts *artifact.Store
}

func (l *localConversation) Turn(ctx context.Context, sessionID, text, artifactID string) (*types.Result, error) {
	return l.engine.HandleMessage(ctx, sessionID, text, artifactID), nil
}

func (l *localConversation) Upload(_ context.Context, path string) (types.UploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.UploadResponse{}, err
	}
	defer f.Close()

	info, err := l.artifacts.Save(filepath.Base(path), f)
	if err != nil {
		return types.UploadResponse{}, err
	}
	return types.UploadResponse{ArtifactID: info.ID, Path: info.Path, MediaType: info.MediaType, Size: info.Size}, nil
}
