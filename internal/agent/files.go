package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// workspacePrefixes are the sandbox mount points the agent server reports
// file paths under. They are stripped before path-based download.
var workspacePrefixes = []string{"/workspace/", "/home/daytona/", "/home/user/"}

// outputExtensions is the allow-list of file types worth delivering to chat.
var outputExtensions = map[string]bool{
	"md": true, "txt": true, "pdf": true, "html": true, "csv": true,
	"json": true, "xml": true, "doc": true, "docx": true, "xlsx": true,
	"pptx": true, "png": true, "jpg": true, "jpeg": true, "gif": true,
	"svg": true, "mp3": true, "mp4": true, "wav": true,
}

// DownloadFile fetches a file the agent referenced. Absolute URLs are
// fetched directly; anything else is treated as a workspace path, tried
// as-is after prefix stripping and retried with the bare filename.
func (c *Client) DownloadFile(ctx context.Context, rawURL string) ([]byte, error) {
	if strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://") {
		return c.downloadURL(ctx, rawURL)
	}

	p := rawURL
	for _, prefix := range workspacePrefixes {
		if strings.HasPrefix(p, prefix) {
			p = strings.TrimPrefix(p, prefix)
			break
		}
	}
	p = strings.TrimPrefix(p, "/")

	data, err := c.DownloadFileByPath(ctx, p)
	if err == nil {
		return data, nil
	}
	if base := path.Base(p); base != p && base != "." {
		return c.DownloadFileByPath(ctx, base)
	}
	return nil, err
}

func (c *Client) downloadURL(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// DownloadFileByPath fetches a workspace file through the agent server's
// file content endpoint. The response carries the content inline, either
// base64-encoded or as UTF-8 text.
func (c *Client) DownloadFileByPath(ctx context.Context, filePath string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()

	endpoint := "/file/content?path=" + url.QueryEscape(filePath)
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("download path %s: %w", filePath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download path %s: status %d", filePath, resp.StatusCode)
	}

	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("download path %s: decode response: %w", filePath, err)
	}
	if out.Encoding == "base64" {
		data, err := base64.StdEncoding.DecodeString(out.Content)
		if err != nil {
			return nil, fmt.Errorf("download path %s: decode base64: %w", filePath, err)
		}
		return data, nil
	}
	return []byte(out.Content), nil
}

// GetModifiedFiles lists workspace files the agent changed, filtered down to
// deliverable output types. The endpoint's response shape drifted across
// agent server versions: both a bare array of entries and a path-to-status
// object are accepted.
func (c *Client) GetModifiedFiles(ctx context.Context) ([]ModifiedFile, error) {
	ctx, cancel := context.WithTimeout(ctx, FileStatusTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/file/status", nil)
	if err != nil {
		return nil, fmt.Errorf("file status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file status: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("file status: %w", err)
	}

	var paths []string

	var entries []struct {
		Path string `json:"path"`
		File string `json:"file"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &entries); err == nil {
		for _, e := range entries {
			if p := firstNonEmpty(e.Path, e.File, e.Name); p != "" {
				paths = append(paths, p)
			}
		}
	} else {
		var byPath map[string]any
		if err := json.Unmarshal(raw, &byPath); err != nil {
			return nil, fmt.Errorf("file status: decode response: %w", err)
		}
		for p := range byPath {
			paths = append(paths, p)
		}
	}

	var files []ModifiedFile
	for _, p := range paths {
		if !deliverablePath(p) {
			continue
		}
		files = append(files, ModifiedFile{Name: path.Base(p), Path: p})
	}
	return files, nil
}

// deliverablePath rejects dotfiles, node_modules, anything under a hidden
// directory, and extensions outside the output allow-list.
func deliverablePath(p string) bool {
	clean := strings.TrimPrefix(p, "/")
	for _, segment := range strings.Split(clean, "/") {
		if strings.HasPrefix(segment, ".") || segment == "node_modules" {
			return false
		}
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(clean), "."))
	return outputExtensions[ext]
}
