package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// defaultEndpoint is the HuggingFace Hub base URL.
const defaultEndpoint = "https://huggingface.co"

// partialSuffix marks files whose download has not completed. Partial files
// never satisfy the completeness predicate and are resumed on the next fetch.
const partialSuffix = ".partial"

// ProgressFunc is called once per file before its bytes transfer. The
// returned writer receives the downloaded bytes alongside the file; a nil
// return disables progress for that file. size is -1 when unknown.
type ProgressFunc func(filename string, size int64) io.Writer

// HubFetcher downloads model snapshots from the HuggingFace Hub: it lists a
// repository's files through the Hub API, then fetches each one with HTTP
// Range resume of interrupted transfers.
type HubFetcher struct {
	// Endpoint is the Hub base URL, overridable for tests and mirrors.
	Endpoint string
	// Client is the HTTP client used for all requests.
	Client *http.Client
	// Progress, when set, receives a callback per downloaded file.
	Progress ProgressFunc
}

// NewHubFetcher returns a fetcher against the public HuggingFace Hub.
func NewHubFetcher() *HubFetcher {
	return &HubFetcher{
		Endpoint: defaultEndpoint,
		// Model weights run to hundreds of megabytes; the timeout bounds a
		// whole file transfer, not a round trip.
		Client: &http.Client{Timeout: 30 * time.Minute},
	}
}

// repoInfo is the subset of the Hub model API response the fetcher needs.
type repoInfo struct {
	Siblings []struct {
		Rfilename string `json:"rfilename"`
	} `json:"siblings"`
}

// Fetch downloads every file of repoID's main revision into destDir,
// preserving the repository's relative layout. Files already present are
// kept; .partial leftovers are resumed.
func (f *HubFetcher) Fetch(ctx context.Context, repoID, destDir string) error {
	files, err := f.listFiles(ctx, repoID)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("repository %s lists no files", repoID)
	}
	for _, name := range files {
		if err := f.fetchFile(ctx, repoID, name, destDir); err != nil {
			return fmt.Errorf("failed to fetch %s: %w", name, err)
		}
	}
	return nil
}

// listFiles returns the repository's file paths from the Hub API, skipping
// dotfiles such as .gitattributes.
func (f *HubFetcher) listFiles(ctx context.Context, repoID string) ([]string, error) {
	url := fmt.Sprintf("%s/api/models/%s", f.Endpoint, repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query hub api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub api returned %s for %s", resp.Status, repoID)
	}
	var info repoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to parse hub api response: %w", err)
	}
	var files []string
	for _, sib := range info.Siblings {
		if sib.Rfilename == "" || strings.HasPrefix(path.Base(sib.Rfilename), ".") {
			continue
		}
		files = append(files, sib.Rfilename)
	}
	return files, nil
}

// fetchFile downloads one repository file into destDir. The transfer goes to
// <name>.partial and is renamed into place on completion, so a crash mid-file
// leaves only a resumable partial behind.
func (f *HubFetcher) fetchFile(ctx context.Context, repoID, name, destDir string) error {
	dest := filepath.Join(destDir, filepath.FromSlash(name))
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create dir: %w", err)
	}

	partial := dest + partialSuffix
	var offset int64
	if st, err := os.Stat(partial); err == nil {
		offset = st.Size()
	}

	url := fmt.Sprintf("%s/%s/resolve/main/%s", f.Endpoint, repoID, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the range; restart from zero.
		offset = 0
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		// The partial already holds the whole file.
		return os.Rename(partial, dest)
	default:
		return fmt.Errorf("unexpected status %s from %s", resp.Status, url)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open partial file: %w", err)
	}

	var w io.Writer = out
	if f.Progress != nil {
		total := int64(-1)
		if resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}
		if pw := f.Progress(name, total); pw != nil {
			w = io.MultiWriter(out, pw)
		}
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("transfer interrupted: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close partial file: %w", err)
	}
	if err := os.Rename(partial, dest); err != nil {
		return fmt.Errorf("failed to finalize file: %w", err)
	}
	return nil
}
