// Package update checks GitHub releases for newer lexagent builds and
// replaces the running binary with the matching release asset.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// DefaultAPIURL is the GitHub REST API root.
const DefaultAPIURL = "https://api.github.com"

// ErrDevBuild is returned when the running binary was not built from a tag.
var ErrDevBuild = errors.New("development build cannot be updated")

// Release is a published build for the current platform.
type Release struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	Asset   string `json:"asset"`
}

type githubRelease struct {
	TagName string        `json:"tag_name"`
	Assets  []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Updater looks up releases for one binary of the lexagent repository.
type Updater struct {
	CurrentVersion string
	Binary         string
	Repo           string
	APIURL         string
	GOOS, GOARCH   string

	httpClient *http.Client
}

// New returns an Updater for binary (lexagent or lexagentd) at currentVersion.
func New(binary, currentVersion string) *Updater {
	return &Updater{
		CurrentVersion: currentVersion,
		Binary:         binary,
		Repo:           "GoCodeAlone/lexagent",
		APIURL:         DefaultAPIURL,
		GOOS:           runtime.GOOS,
		GOARCH:         runtime.GOARCH,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Check returns the latest release when it differs from the running version,
// and nil when already current.
func (u *Updater) Check(ctx context.Context) (*Release, error) {
	if u.CurrentVersion == "" || u.CurrentVersion == "dev" {
		return nil, ErrDevBuild
	}
	url := fmt.Sprintf("%s/repos/%s/releases/latest", strings.TrimRight(u.APIURL, "/"), u.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", u.Binary+"/"+u.CurrentVersion)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github API returned %d", resp.StatusCode)
	}

	var rel githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	if strings.TrimPrefix(rel.TagName, "v") == strings.TrimPrefix(u.CurrentVersion, "v") {
		return nil, nil
	}

	asset := u.platformAsset(rel.Assets)
	if asset == nil {
		return nil, fmt.Errorf("release %s has no %s asset for %s/%s", rel.TagName, u.Binary, u.GOOS, u.GOARCH)
	}
	return &Release{Version: rel.TagName, URL: asset.BrowserDownloadURL, Asset: asset.Name}, nil
}

// platformAsset picks the asset named for this binary, OS and architecture.
// Release archives use x86_64 for amd64.
func (u *Updater) platformAsset(assets []githubAsset) *githubAsset {
	archs := []string{u.GOARCH}
	if u.GOARCH == "amd64" {
		archs = append(archs, "x86_64")
	}
	for i, a := range assets {
		name := strings.ToLower(a.Name)
		if !strings.HasPrefix(name, u.Binary+"_") && !strings.HasPrefix(name, u.Binary+"-") {
			continue
		}
		if !strings.Contains(name, u.GOOS) {
			continue
		}
		for _, arch := range archs {
			if strings.Contains(name, arch) {
				return &assets[i]
			}
		}
	}
	return nil
}

// Apply downloads release and replaces the executable at path. An empty path
// means the running executable.
func (u *Updater) Apply(ctx context.Context, release *Release, path string) error {
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}

	// The temp file lives next to the target so the final rename stays on
	// one filesystem.
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+u.Binary+"-update-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, release.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download release: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return fmt.Errorf("write download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o755); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace binary: %w", err)
	}
	return nil
}
