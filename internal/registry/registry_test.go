package registry

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
	code   int
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
}

func (c *fakeConn) closedWith() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code
}

func newTestRegistry() *Registry {
	return New(zerolog.Nop())
}

func TestCreate_FreshTunnel(t *testing.T) {
	r := newTestRegistry()

	tunnel, restored, err := r.Create("laptop-1", "")
	require.NoError(t, err)
	assert.False(t, restored)
	assert.NotEmpty(t, tunnel.ID)
	assert.Len(t, tunnel.APIKey, 64)
	assert.Equal(t, "laptop-1", tunnel.Name)

	got, ok := r.Lookup(tunnel.ID)
	require.True(t, ok)
	assert.Equal(t, tunnel.ID, got.ID)
}

func TestCreate_RestoreKeepsIDRotatesKey(t *testing.T) {
	r := newTestRegistry()

	first, _, err := r.Create("laptop-1", "")
	require.NoError(t, err)

	second, restored, err := r.Create("", first.ID)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.APIKey, second.APIKey, "restore must rotate the api key")
	assert.Equal(t, "laptop-1", second.Name, "restore keeps the previous name")
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestCreate_LiveIDNotHijackable(t *testing.T) {
	r := newTestRegistry()

	first, _, err := r.Create("laptop-1", "")
	require.NoError(t, err)
	require.NoError(t, r.Attach(first.ID, &fakeConn{}))

	second, restored, err := r.Create("intruder", first.ID)
	require.NoError(t, err)
	assert.False(t, restored)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestAuthenticate(t *testing.T) {
	r := newTestRegistry()
	tunnel, _, err := r.Create("laptop-1", "")
	require.NoError(t, err)

	got, err := r.Authenticate(tunnel.ID, tunnel.APIKey)
	require.NoError(t, err)
	assert.Equal(t, tunnel.ID, got.ID)

	_, err = r.Authenticate(tunnel.ID, "wrong-key")
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = r.Authenticate("missing", tunnel.APIKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttach_ReplacesPreviousConnection(t *testing.T) {
	r := newTestRegistry()
	tunnel, _, err := r.Create("laptop-1", "")
	require.NoError(t, err)

	old := &fakeConn{}
	require.NoError(t, r.Attach(tunnel.ID, old))
	assert.True(t, r.IsLive(tunnel.ID))

	replacement := &fakeConn{}
	require.NoError(t, r.Attach(tunnel.ID, replacement))

	closed, code := old.closedWith()
	assert.True(t, closed, "previous connection must be closed on replacement")
	assert.Equal(t, 1001, code)

	conn, ok := r.Conn(tunnel.ID)
	require.True(t, ok)
	assert.Same(t, replacement, conn.(*fakeConn))
}

func TestDetach_IgnoresSupersededConnection(t *testing.T) {
	r := newTestRegistry()
	tunnel, _, err := r.Create("laptop-1", "")
	require.NoError(t, err)

	old := &fakeConn{}
	require.NoError(t, r.Attach(tunnel.ID, old))
	replacement := &fakeConn{}
	require.NoError(t, r.Attach(tunnel.ID, replacement))

	// The superseded connection's teardown must not detach the replacement.
	assert.False(t, r.Detach(tunnel.ID, old))
	assert.True(t, r.IsLive(tunnel.ID))

	assert.True(t, r.Detach(tunnel.ID, replacement))
	assert.False(t, r.IsLive(tunnel.ID))

	// The record survives for a later restore.
	_, ok := r.Lookup(tunnel.ID)
	assert.True(t, ok)
}

func TestClientAuthKey_LatestWins(t *testing.T) {
	r := newTestRegistry()
	tunnel, _, err := r.Create("laptop-1", "")
	require.NoError(t, err)

	// No key registered: any client is accepted.
	assert.True(t, r.AuthorizeClient(tunnel.ID, "anything"))

	require.NoError(t, r.SetClientAuthKey(tunnel.ID, "key-one"))
	assert.True(t, r.AuthorizeClient(tunnel.ID, "key-one"))
	assert.False(t, r.AuthorizeClient(tunnel.ID, "key-two"))

	require.NoError(t, r.SetClientAuthKey(tunnel.ID, "key-two"))
	assert.True(t, r.AuthorizeClient(tunnel.ID, "key-two"))
	assert.False(t, r.AuthorizeClient(tunnel.ID, "key-one"))

	assert.ErrorIs(t, r.SetClientAuthKey("missing", "k"), ErrNotFound)
}

func TestLiveConnections(t *testing.T) {
	r := newTestRegistry()
	a, _, _ := r.Create("a", "")
	b, _, _ := r.Create("b", "")
	_, _, _ = r.Create("c", "")

	require.NoError(t, r.Attach(a.ID, &fakeConn{}))
	require.NoError(t, r.Attach(b.ID, &fakeConn{}))

	assert.Equal(t, 2, r.LiveCount())
	assert.Len(t, r.LiveConnections(), 2)
}
