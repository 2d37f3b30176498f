// Package hub resolves checkpoint references: local paths pass through,
// http(s) URLs are downloaded into the user cache once and reused.
package hub

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/speechlab/upstream/pkg/config"
)

var DebugLog func(string, ...interface{})

type loggingTransport struct {
	transport http.RoundTripper
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if DebugLog != nil {
		DebugLog("requesting url: %s", req.URL.String())
	}
	resp, err := t.transport.RoundTrip(req)
	if DebugLog != nil && err == nil {
		DebugLog("response for %s: status code %d", req.URL.String(), resp.StatusCode)
	}
	return resp, err
}

type Resolver struct {
	cacheDir string
	client   *http.Client
}

func NewResolver() *Resolver {
	return &Resolver{
		cacheDir: config.GetCheckpointCacheDir(),
		client: &http.Client{
			Transport: &loggingTransport{transport: http.DefaultTransport},
		},
	}
}

// IsRemote reports whether a checkpoint reference needs downloading.
func IsRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// Resolve returns a local path for a checkpoint reference, downloading
// remote ones into the cache directory keyed by their basename.
func (r *Resolver) Resolve(ref string) (string, error) {
	if !IsRemote(ref) {
		return ref, nil
	}

	if err := os.MkdirAll(r.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	name := filepath.Base(ref)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("cannot derive a filename from %s", ref)
	}
	local := filepath.Join(r.cacheDir, name)

	if _, err := os.Stat(local); err == nil {
		if DebugLog != nil {
			DebugLog("using cached checkpoint %s", local)
		}
		return local, nil
	}

	if err := r.download(ref, local); err != nil {
		return "", err
	}
	return local, nil
}

func (r *Resolver) download(url, dest string) error {
	resp, err := r.client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: unexpected status %d", url, resp.StatusCode)
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create download file: %w", err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write download: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finish download: %w", err)
	}

	return os.Rename(tmp, dest)
}
