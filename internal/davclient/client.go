// Package davclient is a small WebDAV client covering what a file sync pass
// needs: listing, stat, get, put, mkcol, move and delete.
package davclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/davsync/davsync/internal/utils"
	"github.com/davsync/davsync/internal/version"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/imroc/req/v3"
)

const (
	HeaderDepth       = "Depth"
	HeaderDestination = "Destination"
	HeaderOverwrite   = "Overwrite"
	HeaderContentType = "Content-Type"

	contentTypeXML         = "application/xml; charset=utf-8"
	contentTypeXMLFallback = "text/xml; charset=utf-8"

	DefaultTimeout = 30 * time.Second
)

type Client struct {
	baseURL  string
	basePath string
	client   *req.Client
	stats    *httpStats
}

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, ErrNoBaseURL
	}

	base := utils.JoinURL(opts.BaseURL)
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := req.C().
		SetTimeout(timeout).
		SetUserAgent(version.UserAgent())
	if opts.Username != "" || opts.Password != "" {
		c.SetCommonBasicAuth(opts.Username, opts.Password)
	}

	return &Client{
		baseURL:  base,
		basePath: utils.CleanRemotePath(u.Path),
		client:   c,
		stats:    newHTTPStats(),
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Stats() Stats {
	return c.stats.snapshot()
}

// URL returns the encoded absolute URL for a remote path.
func (c *Client) URL(remotePath string) string {
	return utils.JoinURL(c.baseURL, utils.EncodePath(utils.CleanRemotePath(remotePath)))
}

func (c *Client) do(ctx context.Context, method, remotePath string, headers map[string]string, body []byte) (*req.Response, error) {
	r := c.client.R().SetContext(ctx)
	for k, v := range headers {
		r.SetHeader(k, v)
	}
	if body != nil {
		r.SetBodyBytes(body)
	}

	c.stats.onSend(len(body))
	start := time.Now()
	resp, err := r.Send(method, c.URL(remotePath))
	if err != nil {
		c.stats.setLastError(err)
		return nil, fmt.Errorf("webdav %s %s: %w", method, remotePath, err)
	}
	c.stats.onRecv(len(resp.Bytes()))

	slog.Debug("webdav", "method", method, "path", remotePath, "status", resp.StatusCode, "took", time.Since(start))
	return resp, nil
}

func (c *Client) statusErr(method, remotePath string, code int) error {
	err := &StatusError{Method: method, Path: remotePath, Code: code}
	c.stats.setLastError(err)
	return err
}

func (c *Client) propfind(ctx context.Context, remotePath string, depth string) ([]Resource, error) {
	headers := map[string]string{
		HeaderDepth:       depth,
		HeaderContentType: contentTypeXML,
	}
	resp, err := c.do(ctx, MethodPropfind, remotePath, headers, []byte(propfindBody))
	if err != nil {
		return nil, err
	}

	// some servers reject application/xml on PROPFIND
	if retryPropfind(resp.StatusCode) {
		headers[HeaderContentType] = contentTypeXMLFallback
		resp, err = c.do(ctx, MethodPropfind, remotePath, headers, []byte(propfindBody))
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, c.statusErr(MethodPropfind, remotePath, resp.StatusCode)
	}

	resources, err := parseMultistatus(resp.Bytes(), c.basePath)
	if err != nil {
		return nil, fmt.Errorf("webdav PROPFIND %s: parse multistatus: %w", remotePath, err)
	}
	return resources, nil
}

func retryPropfind(code int) bool {
	switch code {
	case http.StatusMultiStatus, http.StatusOK, http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden:
		return false
	}
	return true
}

// List returns the direct children of a collection. The collection itself is
// excluded.
func (c *Client) List(ctx context.Context, dir string) ([]Resource, error) {
	dir = utils.CleanRemotePath(dir)
	resources, err := c.propfind(ctx, dir, "1")
	if err != nil {
		return nil, err
	}

	children := make([]Resource, 0, len(resources))
	for _, r := range resources {
		if r.Path == dir {
			continue
		}
		children = append(children, r)
	}
	return children, nil
}

// Stat returns the properties of a single resource.
func (c *Client) Stat(ctx context.Context, remotePath string) (*Resource, error) {
	remotePath = utils.CleanRemotePath(remotePath)
	resources, err := c.propfind(ctx, remotePath, "0")
	if err != nil {
		return nil, err
	}
	for _, r := range resources {
		if r.Path == remotePath {
			return &r, nil
		}
	}
	if len(resources) > 0 {
		return &resources[0], nil
	}
	return nil, c.statusErr(MethodPropfind, remotePath, http.StatusNotFound)
}

func (c *Client) Get(ctx context.Context, remotePath string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, remotePath, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusErr(http.MethodGet, remotePath, resp.StatusCode)
	}
	return resp.Bytes(), nil
}

// Put uploads data and returns the ETag the server answered with, if any.
func (c *Client) Put(ctx context.Context, remotePath string, data []byte) (string, error) {
	if data == nil {
		data = []byte{}
	}
	headers := map[string]string{HeaderContentType: "application/octet-stream"}
	resp, err := c.do(ctx, http.MethodPut, remotePath, headers, data)
	if err != nil {
		return "", err
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return NormalizeETag(resp.Header.Get("ETag")), nil
	}
	return "", c.statusErr(http.MethodPut, remotePath, resp.StatusCode)
}

// Mkcol creates one collection. ErrCollectionExists matches when it was
// already there.
func (c *Client) Mkcol(ctx context.Context, remotePath string) error {
	resp, err := c.do(ctx, MethodMkcol, remotePath, nil, nil)
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusNoContent:
		return nil
	}
	return c.statusErr(MethodMkcol, remotePath, resp.StatusCode)
}

// MkcolAll creates a collection and every missing ancestor, top down.
// known, when non-nil, holds collections already confirmed: they are not
// requested again and every segment created or found is added to it.
func (c *Client) MkcolAll(ctx context.Context, remotePath string, known mapset.Set[string]) error {
	remotePath = utils.CleanRemotePath(remotePath)
	if remotePath == "/" || (known != nil && known.Contains(remotePath)) {
		return nil
	}

	cur := ""
	for _, seg := range strings.Split(strings.TrimPrefix(remotePath, "/"), "/") {
		cur += "/" + seg
		if known != nil && known.Contains(cur) {
			continue
		}
		if err := c.Mkcol(ctx, cur); err != nil && !errors.Is(err, ErrCollectionExists) {
			return err
		}
		if known != nil {
			known.Add(cur)
		}
	}
	return nil
}

// Move renames a resource on the server, replacing the destination.
func (c *Client) Move(ctx context.Context, from, to string) error {
	headers := map[string]string{
		HeaderDestination: c.URL(to),
		HeaderOverwrite:   "T",
	}
	resp, err := c.do(ctx, MethodMove, from, headers, nil)
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusNoContent, http.StatusOK:
		return nil
	}
	return c.statusErr(MethodMove, from, resp.StatusCode)
}

func (c *Client) Delete(ctx context.Context, remotePath string) error {
	resp, err := c.do(ctx, http.MethodDelete, remotePath, nil, nil)
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusAccepted:
		return nil
	}
	return c.statusErr(http.MethodDelete, remotePath, resp.StatusCode)
}
