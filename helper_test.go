package testserver

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomString_Length(t *testing.T) {
	for _, n := range []int{0, 1, 16, 255} {
		s := RandomString(n)
		assert.Len(t, s, n)
		assert.Empty(t, strings.Trim(s, string(lo.AlphanumericCharset)), "non-alphanumeric byte in %q", s)
	}
	assert.Equal(t, "", RandomString(-3))
}

func TestRandomString_Differs(t *testing.T) {
	assert.NotEqual(t, RandomString(32), RandomString(32))
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.txt")
	require.NoError(t, os.WriteFile(path, []byte("a1b2c3\n"), 0o644))

	content, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3\n", content)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRandomBodyRoundTrip(t *testing.T) {
	srv := NewTest(t, echoHandler())
	body := RandomString(64)
	srv.Reply().Header("x-token", RandomString(8))

	res := send(t, "POST", srv.URL()+"/"+RandomString(10), []byte(body), nil)
	assert.Equal(t, body, string(res.body))
	assert.Len(t, res.header.Get("x-token"), 8)

	captured, ok := srv.Requests().Next()
	require.True(t, ok)
	assert.Equal(t, body, captured.BodyString())
}
