package update

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func releaseServer(t *testing.T, tag string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/repos/GoCodeAlone/lexagent/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "lexagent/v1.0.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tag_name":"` + tag + `","assets":[
			{"name":"lexagentd_linux_x86_64","browser_download_url":"` + srv.URL + `/dl/lexagentd"},
			{"name":"lexagent_darwin_arm64","browser_download_url":"` + srv.URL + `/dl/darwin"},
			{"name":"lexagent_linux_x86_64","browser_download_url":"` + srv.URL + `/dl/lexagent"}
		]}`))
	})
	mux.HandleFunc("/dl/lexagent", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("new binary"))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestUpdater(apiURL, version string) *Updater {
	u := New("lexagent", version)
	u.APIURL = apiURL
	u.GOOS, u.GOARCH = "linux", "amd64"
	return u
}

func TestCheckFindsPlatformAsset(t *testing.T) {
	srv := releaseServer(t, "v1.2.0")
	rel, err := newTestUpdater(srv.URL, "v1.0.0").Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Equal(t, "v1.2.0", rel.Version)
	assert.Equal(t, "lexagent_linux_x86_64", rel.Asset)
	assert.Equal(t, srv.URL+"/dl/lexagent", rel.URL)
}

func TestCheckUpToDate(t *testing.T) {
	srv := releaseServer(t, "v1.0.0")
	rel, err := newTestUpdater(srv.URL, "v1.0.0").Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rel)
}

func TestCheckDevBuild(t *testing.T) {
	_, err := newTestUpdater("http://127.0.0.1:1", "dev").Check(context.Background())
	assert.ErrorIs(t, err, ErrDevBuild)
}

func TestCheckMissingAsset(t *testing.T) {
	srv := releaseServer(t, "v1.2.0")
	u := newTestUpdater(srv.URL, "v1.0.0")
	u.GOOS = "windows"
	_, err := u.Check(context.Background())
	assert.ErrorContains(t, err, "no lexagent asset for windows/amd64")
}

func TestApplyReplacesBinary(t *testing.T) {
	srv := releaseServer(t, "v1.2.0")
	u := newTestUpdater(srv.URL, "v1.0.0")
	rel, err := u.Check(context.Background())
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "lexagent")
	require.NoError(t, os.WriteFile(target, []byte("old binary"), 0o755))
	require.NoError(t, u.Apply(context.Background(), rel, target))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new binary", string(data))
}

func TestApplyDownloadFailureKeepsBinary(t *testing.T) {
	srv := releaseServer(t, "v1.2.0")
	u := newTestUpdater(srv.URL, "v1.0.0")
	target := filepath.Join(t.TempDir(), "lexagent")
	require.NoError(t, os.WriteFile(target, []byte("old binary"), 0o755))

	err := u.Apply(context.Background(), &Release{Version: "v1.2.0", URL: srv.URL + "/dl/missing"}, target)
	assert.ErrorContains(t, err, "download returned 404")
	data, _ := os.ReadFile(target)
	assert.Equal(t, "old binary", string(data))
}
