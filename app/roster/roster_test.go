package roster

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		path := writeRoster(t, `
# moderation team
operator:100
agent:200
special:300
`)
		r, err := New(path)
		require.NoError(t, err)
		assert.Equal(t, 3, r.Len())

		assert.True(t, r.IsOperator("100"))
		assert.False(t, r.IsOperator("200"))
		assert.True(t, r.IsOperator("300"), "special implies operator")

		assert.True(t, r.IsAgent("100"), "operator implies agent")
		assert.True(t, r.IsAgent("200"))
		assert.True(t, r.IsAgent("300"))
		assert.False(t, r.IsAgent("999"))

		assert.True(t, r.IsSpecial("300"))
		assert.False(t, r.IsSpecial("100"))
	})

	t.Run("missing file makes empty roster", func(t *testing.T) {
		r, err := New(filepath.Join(t.TempDir(), "nope.txt"))
		require.NoError(t, err)
		assert.Equal(t, 0, r.Len())
		assert.False(t, r.IsOperator("100"))
	})

	t.Run("unknown role rejected", func(t *testing.T) {
		path := writeRoster(t, "boss:100\n")
		_, err := New(path)
		assert.ErrorContains(t, err, "unknown role")
	})

	t.Run("missing separator rejected", func(t *testing.T) {
		path := writeRoster(t, "100\n")
		_, err := New(path)
		assert.ErrorContains(t, err, "expected role:user_id")
	})

	t.Run("empty id rejected", func(t *testing.T) {
		path := writeRoster(t, "operator:\n")
		_, err := New(path)
		assert.ErrorContains(t, err, "empty user id")
	})
}

func TestRoster_Load_BadReloadKeepsOld(t *testing.T) {
	path := writeRoster(t, "operator:100\n")
	r, err := New(path)
	require.NoError(t, err)
	require.True(t, r.IsOperator("100"))

	err = r.load(strings.NewReader("garbage line"))
	assert.Error(t, err)
	assert.True(t, r.IsOperator("100"), "failed reload keeps the previous roster")
}

func TestRoster_Watch(t *testing.T) {
	path := writeRoster(t, "operator:100\n")
	r, err := New(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	time.AfterFunc(time.Millisecond*100, func() {
		time.Sleep(time.Millisecond * 100)
		require.NoError(t, os.WriteFile(path, []byte("operator:100\nagent:200\n"), 0o600))
		time.Sleep(time.Millisecond * 300) // give the watcher time to reload
		cancel()
	})

	err = r.Watch(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	assert.True(t, r.IsAgent("200"))
}

func writeRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roster.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
