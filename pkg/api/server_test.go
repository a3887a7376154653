package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/streamcache/pkg/journal"
	"github.com/marmos91/streamcache/pkg/transfer"
)

type fakeSource struct {
	downloaded, expected int64
	state                transfer.State
	path                 string
}

func (f *fakeSource) Progress() (int64, int64) { return f.downloaded, f.expected }
func (f *fakeSource) State() transfer.State    { return f.state }
func (f *fakeSource) Path() string             { return f.path }

func TestHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(NewRouter(nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusReportsActiveSession(t *testing.T) {
	source := &fakeSource{
		downloaded: 4096,
		expected:   10_000,
		state:      transfer.StateActive,
		path:       "/var/cache/streamcache/item.bin",
	}
	srv := httptest.NewServer(NewRouter(source, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "active", body.State)
	assert.Equal(t, int64(4096), body.Downloaded)
	assert.Equal(t, int64(10_000), body.Expected)
	assert.Equal(t, source.path, body.Path)
}

func TestStatusWithoutSessionIsIdle(t *testing.T) {
	srv := httptest.NewServer(NewRouter(nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "idle", body.State)
	assert.Equal(t, int64(-1), body.Expected)
}

func TestSessionsListsJournal(t *testing.T) {
	j, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Put(journal.Entry{
		URL:        "https://origin.example/a.mp4",
		Path:       "/cache/a.bin",
		Downloaded: 100,
	}))

	srv := httptest.NewServer(NewRouter(nil, j))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var entries []journal.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "https://origin.example/a.mp4", entries[0].URL)
}

func TestSessionsWithoutJournalIsEmpty(t *testing.T) {
	srv := httptest.NewServer(NewRouter(nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var entries []journal.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.Empty(t, entries)
}
