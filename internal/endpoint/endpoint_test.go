package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/bookvore/internal/common"
)

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "bare host", in: "kavita.example.com", want: "https://kavita.example.com"},
		{name: "host and port", in: "192.168.1.18:5000", want: "https://192.168.1.18:5000"},
		{name: "explicit http", in: "http://192.168.1.18:5000", want: "http://192.168.1.18:5000"},
		{name: "opds suffix truncated", in: "kavita.example.com/api/opds/abc123", want: "https://kavita.example.com"},
		{name: "opds suffix case insensitive", in: "https://Kavita.Example.com/API/OPDS/abc", want: "https://kavita.example.com"},
		{name: "sub path kept", in: "https://example.com/kavita/api/opds/key/series/3", want: "https://example.com/kavita"},
		{name: "trailing slashes", in: "https://example.com/kavita///", want: "https://example.com/kavita"},
		{name: "query and fragment dropped", in: "https://example.com/?a=1#top", want: "https://example.com"},
		{name: "surrounding whitespace", in: "  example.com  ", want: "https://example.com"},
		{name: "scheme case", in: "HTTPS://example.com", want: "https://example.com"},
		{name: "encoded slash kept", in: "https://example.com/a%2Fb/api/opds/key", want: "https://example.com/a%2Fb"},
		{name: "encoded slash before trailing slash", in: "https://example.com/lib%2Fkavita/", want: "https://example.com/lib%2Fkavita"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeHost(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeHost_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{name: "empty", in: "", want: common.ErrInvalidHost},
		{name: "whitespace only", in: "   ", want: common.ErrInvalidHost},
		{name: "unparsable", in: "exa mple.com", want: common.ErrInvalidHost},
		{name: "no host", in: "https://", want: common.ErrInvalidHost},
		{name: "ftp scheme", in: "ftp://files.example.com", want: common.ErrUnsupportedScheme},
		{name: "file scheme", in: "file://server/share", want: common.ErrUnsupportedScheme},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeHost(tt.in)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNormalizeHost_Idempotent(t *testing.T) {
	inputs := []string{
		"kavita.example.com",
		"kavita.example.com/api/opds/abc123",
		"http://10.0.0.2:5000/sub/path/",
		"https://example.com/a%20b/",
		"https://example.com/a%2Fb/api/opds/x",
		"EXAMPLE.com:8443/x?y=z",
	}

	for _, in := range inputs {
		once, err := NormalizeHost(in)
		require.NoError(t, err, in)
		twice, err := NormalizeHost(once)
		require.NoError(t, err, in)
		assert.Equal(t, once, twice, in)
	}
}

func TestCreateAPIURL(t *testing.T) {
	got, err := CreateAPIURL("kavita.example.com/api/opds/old", "/api/opds/abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://kavita.example.com/api/opds/abc123", got)

	got, err = CreateAPIURL("https://example.com", "api/Account/login")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/api/Account/login", got)

	got, err = CreateAPIURL("https://example.com", "/api/opds/k/series/5?page=2")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/api/opds/k/series/5?page=2", got)

	_, err = CreateAPIURL("", "/x")
	require.ErrorIs(t, err, common.ErrInvalidHost)
}

func TestResolveHref(t *testing.T) {
	got, err := ResolveHref("https://example.com", "HTTP://cdn.example.com/file.epub")
	require.NoError(t, err)
	assert.Equal(t, "HTTP://cdn.example.com/file.epub", got, "absolute hrefs are trusted verbatim")

	got, err = ResolveHref("https://example.com", "/api/opds/abc/series/5")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/api/opds/abc/series/5", got)
}
