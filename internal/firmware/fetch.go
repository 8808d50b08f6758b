package firmware

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultFetchTimeout bounds a single firmware build-files download.
const DefaultFetchTimeout = time.Minute * 30

// Client downloads firmware build files from the firmware metadata backend.
// Authentication is carried opaquely via headers the caller configures.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Headers    map[string]string
}

// NewClient returns a client for the given backend base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: DefaultFetchTimeout},
		Headers:    map[string]string{},
	}
}

// FetchBuildFiles downloads the build-files archive for a firmware id,
// extracts it under destDir, and returns the scanned artifacts.
func (c *Client) FetchBuildFiles(ctx context.Context, firmwareID, destDir string) ([]Artifact, error) {
	url := fmt.Sprintf("%v/download/build_files/%v", c.BaseURL, firmwareID)
	zipPath := filepath.Join(destDir, firmwareID+".zip")

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"firmware_id": firmwareID, "url": url}).Info("downloading firmware build files")
	if err := c.download(ctx, url, zipPath); err != nil {
		return nil, fmt.Errorf("downloading build files for %v: %w", firmwareID, err)
	}

	extractDir := filepath.Join(destDir, firmwareID)
	if err := Unzip(zipPath, extractDir); err != nil {
		return nil, fmt.Errorf("extracting build files for %v: %w", firmwareID, err)
	}
	if err := os.Remove(zipPath); err != nil {
		log.WithError(err).Warnf("could not remove downloaded archive %v", zipPath)
	}

	return ScanDir(extractDir)
}

func (c *Client) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %v", resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Close()
	}()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	return out.Sync()
}

// Unzip extracts a zip archive into dest, refusing entries that would escape
// the destination directory.
func Unzip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()

	for _, f := range r.File {
		fpath := filepath.Join(dest, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(fpath, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes destination", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, f.Mode()); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(fpath), 0755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			_ = rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		_ = out.Close()
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
