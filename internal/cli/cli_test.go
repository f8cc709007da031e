package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/bookvore/internal/common"
	"github.com/bryan-buckman/bookvore/internal/model"
)

const bookBody = "epub bytes"

const kavitaFeed = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <id>root</id>
  <title>Home Library</title>
  <entry>
    <id>book-1</id>
    <title>Dune</title>
    <summary>Desert planet.</summary>
    <link rel="http://opds-spec.org/acquisition" href="/api/opds/key/download/Dune.epub" type="application/epub+zip"/>
  </entry>
  <entry>
    <id>series-1</id>
    <title>Collections</title>
    <link rel="subsection" href="/api/opds/key/collections" type="application/atom+xml;profile=opds-catalog"/>
  </entry>
</feed>`

func TestMain(m *testing.M) {
	isTerminal = func(int) bool { return false }
	os.Exit(m.Run())
}

func newKavita(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/Account/login":
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["password"] != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = io.WriteString(w, `{"message":"Username or password is incorrect"}`)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"username":"`+body["username"]+`","token":"tok","refreshToken":"ref"}`)
		case "/api/opds/key":
			w.Header().Set("Content-Type", "application/atom+xml")
			_, _ = io.WriteString(w, kavitaFeed)
		case "/api/opds/key/download/Dune.epub":
			http.ServeContent(w, r, "Dune.epub", time.Time{}, strings.NewReader(bookBody))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type result struct {
	code   int
	stdout string
	stderr string
}

// run executes one CLI invocation against the data dir.
func run(t *testing.T, dataDir, stdin string, args ...string) result {
	t.Helper()
	t.Setenv("BOOKVORE_ENV_FILE", filepath.Join(dataDir, "missing.env"))
	global := []string{
		"-data-dir", dataDir,
		"-log-format", "json",
		"-log-output", filepath.Join(dataDir, "bookvore.log"),
	}
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), append(global, args...), strings.NewReader(stdin), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestRun_Usage(t *testing.T) {
	dir := t.TempDir()

	res := run(t, dir, "")
	assert.Equal(t, ExitUsage, res.code)
	assert.Contains(t, res.stderr, "usage: bookvore")

	res = run(t, dir, "", "shelve")
	assert.Equal(t, ExitUsage, res.code)
	assert.Contains(t, res.stderr, `unknown command "shelve"`)
}

func TestRun_SessionCommands(t *testing.T) {
	kavita := newKavita(t)
	dir := t.TempDir()

	res := run(t, dir, "", "whoami")
	assert.Equal(t, ExitError, res.code)
	assert.Contains(t, res.stderr, "no active session")

	res = run(t, dir, "wrong\n", "login", "-host", kavita.URL, "-user", "reader")
	assert.Equal(t, ExitError, res.code)
	assert.Contains(t, res.stderr, "Username or password is incorrect")

	res = run(t, dir, "secret\n", "login", "-host", kavita.URL, "-user", "reader")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Signed in to "+kavita.URL+" as reader")
	assert.Contains(t, res.stdout, "No API key yet")

	// The session survives the process.
	res = run(t, dir, "", "whoami")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, kavita.URL)
	assert.Contains(t, res.stdout, "reader")
	assert.Regexp(t, `API key:\s+no`, res.stdout)

	res = run(t, dir, "", "apikey", "key")
	require.Equal(t, ExitOK, res.code, res.stderr)
	res = run(t, dir, "", "whoami")
	assert.Regexp(t, `API key:\s+yes`, res.stdout)

	res = run(t, dir, "", "logout")
	require.Equal(t, ExitOK, res.code, res.stderr)
	res = run(t, dir, "", "whoami")
	assert.Equal(t, ExitError, res.code)
}

func TestRun_LoginRemembersDefaults(t *testing.T) {
	kavita := newKavita(t)
	dir := t.TempDir()

	res := run(t, dir, "secret\n", "login", "-host", kavita.URL, "-user", "reader")
	require.Equal(t, ExitOK, res.code, res.stderr)

	// Empty answers take the remembered host and username.
	res = run(t, dir, "\n\nsecret\n", "login")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Server ["+kavita.URL+"]")
	assert.Contains(t, res.stdout, "Username [reader]")
	assert.Contains(t, res.stdout, "as reader")
}

func TestRun_BrowseAndDownload(t *testing.T) {
	kavita := newKavita(t)
	dir := t.TempDir()

	res := run(t, dir, "secret\n", "login", "-host", kavita.URL, "-user", "reader", "-apikey", "key")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.NotContains(t, res.stdout, "No API key yet")

	res = run(t, dir, "", "browse")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Home Library")
	assert.Regexp(t, `acquisition\s+book-1\s+Dune`, res.stdout)
	assert.Regexp(t, `navigation\s+series-1\s+Collections`, res.stdout)
	assert.Contains(t, res.stdout, "Desert planet.")

	res = run(t, dir, "", "download", "-entry", "book-9")
	assert.Equal(t, ExitError, res.code)
	assert.Contains(t, res.stderr, `entry "book-9" is not in the feed`)

	res = run(t, dir, "", "download", "-entry", "series-1")
	assert.Equal(t, ExitError, res.code)
	assert.Contains(t, res.stderr, "no valid download link found")

	res = run(t, dir, "", "download", "-all")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Regexp(t, `completed\s+Dune -> .*Dune\.epub`, res.stdout)
	assert.Contains(t, res.stdout, "1 downloaded, 0 failed")

	got, err := os.ReadFile(filepath.Join(dir, "downloads", "Dune.epub"))
	require.NoError(t, err)
	assert.Equal(t, bookBody, string(got))
}

func TestRun_BrowseWithoutAPIKey(t *testing.T) {
	kavita := newKavita(t)
	dir := t.TempDir()

	res := run(t, dir, "secret\n", "login", "-host", kavita.URL, "-user", "reader")
	require.Equal(t, ExitOK, res.code, res.stderr)

	res = run(t, dir, "", "browse")
	assert.Equal(t, ExitError, res.code)
	assert.Contains(t, res.stderr, "no API key found in the session")
}

func TestRun_DownloadRequiresSelection(t *testing.T) {
	dir := t.TempDir()
	res := run(t, dir, "", "download")
	assert.Equal(t, ExitError, res.code)
	assert.Contains(t, res.stderr, "select entries")
}

func TestSelectEntries(t *testing.T) {
	feed := model.Feed{Entries: []model.Entry{
		{ID: "book-1", Title: "Dune", Links: []model.Link{
			// Acquisition rel on a feed type is navigation; the epub after it is the download.
			{Href: "/x", Rel: "http://opds-spec.org/acquisition", Type: "application/atom+xml"},
			{Href: "/Dune.epub", Type: "application/epub+zip"},
		}},
		{ID: "series-1", Title: "Series", Links: []model.Link{{Href: "/s", Rel: "subsection"}}},
	}}

	got, err := selectEntries(feed, []string{"book-1"}, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "book-1", got[0].ID)

	got, err = selectEntries(feed, nil, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "book-1", got[0].ID)

	_, err = selectEntries(feed, []string{"series-1"}, false)
	require.ErrorIs(t, err, common.ErrMissingLink)
}
