package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	gopath "path"
	"sort"
	"strings"
	"time"
)

// HTTPRemote talks to the cloud storage HTTP API:
//
//	GET    /files                 recursive listing (JSON)
//	GET    /download/{path}       streamed object content
//	POST   /upload/{path}         multipart "file" field, or is_directory form
//	DELETE /delete/{path}         remove object or directory subtree
//
// Uploads are streamed through an io.Pipe, so large objects never have to
// be buffered in memory on their way out.
type HTTPRemote struct {
	base      *url.URL
	client    *http.Client
	chunkSize int
}

const defaultChunkSize = 256 << 10

// NewHTTPRemote creates a remote for the given base URL
// (e.g., "http://localhost:8000").
func NewHTTPRemote(baseURL string, client *http.Client) (*HTTPRemote, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: unsupported scheme", baseURL)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRemote{base: u, client: client, chunkSize: defaultChunkSize}, nil
}

// SetChunkSize bounds the copy buffer used for streamed uploads.
func (r *HTTPRemote) SetChunkSize(n int) {
	if n > 0 {
		r.chunkSize = n
	}
}

func (r *HTTPRemote) String() string { return r.base.String() }

func (r *HTTPRemote) endpoint(verb, path string) string {
	u := *r.base
	u.Path = gopath.Join(r.base.Path, verb, strings.TrimPrefix(path, "/"))
	return u.String()
}

func (r *HTTPRemote) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint("download", path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	if err := checkStatus(resp, "fetch", path); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func (r *HTTPRemote) Put(ctx context.Context, path string, body io.Reader, size int64) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", gopath.Base(path))
		if err == nil {
			_, err = io.CopyBuffer(part, body, make([]byte, r.chunkSize))
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint("upload", path), pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	defer drain(resp)
	return checkStatus(resp, "upload", path)
}

func (r *HTTPRemote) Mkdir(ctx context.Context, path string) error {
	form := url.Values{"is_directory": {"true"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.endpoint("upload", path), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	defer drain(resp)
	return checkStatus(resp, "mkdir", path)
}

func (r *HTTPRemote) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.endpoint("delete", path), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	defer drain(resp)
	return checkStatus(resp, "delete", path)
}

func (r *HTTPRemote) List(ctx context.Context, dir string) ([]Info, error) {
	items, err := r.listAll(ctx)
	if err != nil {
		return nil, err
	}

	dir = normalizeDir(dir)
	var infos []Info
	for _, info := range items {
		if gopath.Dir(info.Path) == dir {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (r *HTTPRemote) Stat(ctx context.Context, path string) (Info, error) {
	if path == "/" || path == "" {
		return Info{Path: "/", IsDir: true}, nil
	}
	items, err := r.listAll(ctx)
	if err != nil {
		return Info{}, err
	}
	for _, info := range items {
		if info.Path == path {
			return info, nil
		}
	}
	return Info{}, fmt.Errorf("stat %s: %w", path, ErrNotFound)
}

// wireItem mirrors one element of the /files response.
type wireItem struct {
	Path        string  `json:"path"`
	IsDirectory bool    `json:"is_directory"`
	Size        int64   `json:"size"`
	Modified    float64 `json:"modified"`
}

func (r *HTTPRemote) listAll(ctx context.Context) ([]Info, error) {
	u := *r.base
	u.Path = gopath.Join(r.base.Path, "files")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer drain(resp)
	if err := checkStatus(resp, "list", "/"); err != nil {
		return nil, err
	}

	var items []wireItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("list: decode response: %w", err)
	}

	infos := make([]Info, 0, len(items))
	for _, item := range items {
		// The server reports paths relative to its storage root and may
		// use backslashes on Windows.
		rel := strings.ReplaceAll(item.Path, "\\", "/")
		sec, frac := math.Modf(item.Modified)
		infos = append(infos, Info{
			Path:    "/" + strings.TrimPrefix(rel, "/"),
			Size:    item.Size,
			ModTime: time.Unix(int64(sec), int64(frac*1e9)).UTC(),
			IsDir:   item.IsDirectory,
		})
	}
	return infos, nil
}

func checkStatus(resp *http.Response, op, path string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", op, path, ErrNotFound)
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s %s: %w", op, path, ErrPermission)
	default:
		return fmt.Errorf("%s %s: server returned %s", op, path, resp.Status)
	}
}

// drain discards the rest of a response body so the connection can be
// reused, then closes it.
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
}

func normalizeDir(dir string) string {
	dir = "/" + strings.Trim(dir, "/")
	return dir
}
