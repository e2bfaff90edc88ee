// Package source resolves an image argument to bytes. An argument is either a
// path on the local filesystem or an http(s) URL that is downloaded.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrCodeEU/welcomebot/pkg/apperr"
	"github.com/MrCodeEU/welcomebot/pkg/logging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/schollz/progressbar/v3"
)

// DefaultExt is used when neither the URL nor the content reveal an extension.
const DefaultExt = ".jpg"

// ErrTooLarge is returned when a download exceeds the configured size limit.
var ErrTooLarge = errors.New("image exceeds size limit")

// Image is a resolved image source.
type Image struct {
	Ref     string
	Data    []byte
	Name    string // base file name; empty for URLs without one
	Ext     string // lower-case extension including the dot
	FromURL bool
}

// Options configures a Resolver.
type Options struct {
	Timeout time.Duration
	// MaxBytes limits downloads. Local files are read whole.
	MaxBytes  int64
	UserAgent string
	// Progress receives a download progress bar. Nil disables it.
	Progress io.Writer
}

// Resolver turns image references into bytes.
type Resolver struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	progress  io.Writer
}

// NewResolver creates a Resolver.
func NewResolver(opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Resolver{
		client:    &http.Client{Timeout: opts.Timeout},
		maxBytes:  opts.MaxBytes,
		userAgent: opts.UserAgent,
		progress:  opts.Progress,
	}
}

// IsURL reports whether ref names an http or https resource.
func IsURL(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Resolve reads a local file or downloads a URL.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Image, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, apperr.Input("image source must not be empty")
	}
	if IsURL(ref) {
		return r.fetch(ctx, ref)
	}
	return r.readFile(ref)
}

func (r *Resolver) readFile(ref string) (*Image, error) {
	info, err := os.Stat(ref)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Input("image not found at %s", ref)
		}
		return nil, apperr.WrapInput(err, "cannot access %s", ref)
	}
	if info.IsDir() {
		return nil, apperr.Input("%s is a directory, not an image", ref)
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, apperr.WrapInput(err, "failed to read %s", ref)
	}

	name := filepath.Base(ref)
	return &Image{
		Ref:  ref,
		Data: data,
		Name: name,
		Ext:  extension(filepath.Ext(name), data),
	}, nil
}

func (r *Resolver) fetch(ctx context.Context, ref string) (*Image, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return nil, apperr.Input("invalid image URL %q", ref)
	}

	logging.Infof("Downloading image from %s", ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, apperr.WrapInput(err, "invalid image URL %q", ref)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperr.WrapInput(err, "failed to download %s", ref)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.Input("failed to download %s: bad status: %s", ref, resp.Status)
	}
	if r.maxBytes > 0 && resp.ContentLength > r.maxBytes {
		return nil, apperr.WrapInput(ErrTooLarge, "failed to download %s (%d bytes)", ref, resp.ContentLength)
	}

	var body io.Reader = resp.Body
	if r.maxBytes > 0 {
		body = io.LimitReader(resp.Body, r.maxBytes+1)
	}
	if r.progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(r.progress),
			progressbar.OptionSetDescription("Downloading"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		defer func() { _ = bar.Finish() }()
		body = io.TeeReader(body, bar)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, apperr.WrapInput(err, "failed to download %s", ref)
	}
	if r.maxBytes > 0 && int64(len(data)) > r.maxBytes {
		return nil, apperr.WrapInput(ErrTooLarge, "failed to download %s", ref)
	}

	logging.WithFields(logging.Fields{
		"url":   ref,
		"bytes": len(data),
	}).Info("Download complete")

	name := path.Base(u.Path)
	if name == "/" || name == "." {
		name = ""
	}
	return &Image{
		Ref:     ref,
		Data:    data,
		Name:    name,
		Ext:     extension(path.Ext(u.Path), data),
		FromURL: true,
	}, nil
}

// imageExts are the file extensions kept as given. Anything else, such as the
// ".php" of a script URL, is replaced by the sniffed extension.
var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// extension prefers an image extension from the name and falls back to sniffing.
func extension(fromName string, data []byte) string {
	if ext := strings.ToLower(fromName); imageExts[ext] {
		return ext
	}
	if ext := mimetype.Detect(data).Extension(); ext != "" {
		return ext
	}
	return DefaultExt
}

// String describes where the image came from, for log and result messages.
func (img *Image) String() string {
	if img.FromURL {
		return fmt.Sprintf("url %s", img.Ref)
	}
	return fmt.Sprintf("file %s", img.Ref)
}
