package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notes_core/internal/domain"
)

type stubConn struct {
	id string
}

func (c stubConn) ID() string { return c.id }
func (c stubConn) Send(event string, payload json.RawMessage) error { return nil }

func TestRegistryRegisterAndDeregister(t *testing.T) {
	t.Run("offline user has no connections", func(t *testing.T) {
		r := NewRegistry(4)

		assert.False(t, r.IsOnline("u1"))
		assert.Empty(t, r.ConnectionIDs("u1"))
		assert.NotNil(t, r.ConnectionIDs("u1"))
		assert.Nil(t, r.Connections("u1"))
	})

	t.Run("multi device scenario", func(t *testing.T) {
		r := NewRegistry(4)

		assert.True(t, r.Register("u1", stubConn{"c1"}))
		assert.True(t, r.Register("u1", stubConn{"c2"}))
		assert.Equal(t, []string{"c1", "c2"}, r.ConnectionIDs("u1"))
		assert.Len(t, r.Connections("u1"), 2)

		user, ok := r.Deregister("c1")
		require.True(t, ok)
		assert.Equal(t, domain.UserID("u1"), user)
		assert.Equal(t, []string{"c2"}, r.ConnectionIDs("u1"))
		assert.True(t, r.IsOnline("u1"))

		_, ok = r.Deregister("c2")
		require.True(t, ok)
		assert.False(t, r.IsOnline("u1"))
		assert.Equal(t, 0, r.OnlineUsers())
	})

	t.Run("register is idempotent", func(t *testing.T) {
		r := NewRegistry(4)

		assert.True(t, r.Register("u1", stubConn{"c1"}))
		assert.False(t, r.Register("u1", stubConn{"c1"}))

		assert.Equal(t, []string{"c1"}, r.ConnectionIDs("u1"))
		assert.Equal(t, 1, r.ConnectionCount())
	})

	t.Run("deregister unknown connection is a no-op", func(t *testing.T) {
		r := NewRegistry(4)
		r.Register("u1", stubConn{"c1"})

		_, ok := r.Deregister("missing")
		assert.False(t, ok)

		_, ok = r.Deregister("c1")
		assert.True(t, ok)
		_, ok = r.Deregister("c1")
		assert.False(t, ok)
	})

	t.Run("connection moves when registered under another user", func(t *testing.T) {
		r := NewRegistry(4)
		r.Register("u1", stubConn{"c1"})

		assert.True(t, r.Register("u2", stubConn{"c1"}))

		assert.False(t, r.IsOnline("u1"))
		assert.Equal(t, []string{"c1"}, r.ConnectionIDs("u2"))
		assert.Equal(t, 1, r.ConnectionCount())
		assert.Equal(t, 1, r.OnlineUsers())
	})

	t.Run("default shard count", func(t *testing.T) {
		r := NewRegistry(0)
		assert.Len(t, r.users, DefaultShards)
	})
}

func TestRegistryConcurrentChurn(t *testing.T) {
	r := NewRegistry(8)

	const users = 20
	const connsPerUser = 30

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for c := 0; c < connsPerUser; c++ {
			wg.Add(1)
			go func(u, c int) {
				defer wg.Done()
				user := domain.UserID(fmt.Sprintf("user-%d", u))
				conn := stubConn{fmt.Sprintf("conn-%d-%d", u, c)}
				r.Register(user, conn)
				r.Register(user, conn)
				_ = r.Connections(user)
				// Odd connections leave again.
				if c%2 == 1 {
					r.Deregister(conn.id)
				}
			}(u, c)
		}
	}
	wg.Wait()

	for u := 0; u < users; u++ {
		user := domain.UserID(fmt.Sprintf("user-%d", u))
		ids := r.ConnectionIDs(user)
		assert.Len(t, ids, connsPerUser/2, "user %s", user)
		for _, id := range ids {
			var uu, cc int
			_, err := fmt.Sscanf(id, "conn-%d-%d", &uu, &cc)
			require.NoError(t, err)
			assert.Equal(t, u, uu)
			assert.Zero(t, cc%2)
		}
	}
	assert.Equal(t, users*connsPerUser/2, r.ConnectionCount())
	assert.Equal(t, users, r.OnlineUsers())
}

func TestRegistryConcurrentReclaim(t *testing.T) {
	r := NewRegistry(4)
	conn := stubConn{"shared"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Register(domain.UserID(fmt.Sprintf("u%d", i%5)), conn)
		}(i)
	}
	wg.Wait()

	// The connection ends up under exactly one user.
	owners := 0
	for i := 0; i < 5; i++ {
		if r.IsOnline(domain.UserID(fmt.Sprintf("u%d", i))) {
			owners++
		}
	}
	assert.Equal(t, 1, owners)
	assert.Equal(t, 1, r.ConnectionCount())

	r.Deregister("shared")
	assert.Equal(t, 0, r.OnlineUsers())
}

func TestLocalChecker(t *testing.T) {
	r := NewRegistry(2)
	checker := LocalChecker{Registry: r}

	online, err := checker.IsUserOnline(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, online)

	r.Register("u1", stubConn{"c1"})
	online, err = checker.IsUserOnline(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, online)
}
