// Package storetest holds the behaviour every store.Store backend must satisfy.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/internal/store"
)

// Run exercises a fresh store produced by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("KeyValue", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.Get(ctx, "missing")
		require.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.Set(ctx, "k", []byte("v1"), 0))
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v1", string(got))

		require.NoError(t, s.Set(ctx, "k", []byte("v2"), 0))
		got, err = s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(got))

		ok, err := s.Exists(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Delete(ctx, "k"))
		ok, err = s.Exists(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Expiry", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Set(ctx, "short", []byte("x"), 30*time.Millisecond))
		require.NoError(t, s.Set(ctx, "long", []byte("y"), time.Hour))
		time.Sleep(60 * time.Millisecond)

		_, err := s.Get(ctx, "short")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Get(ctx, "long")
		require.NoError(t, err)

		require.NoError(t, s.Expire(ctx, "long", 30*time.Millisecond))
		time.Sleep(60 * time.Millisecond)
		_, err = s.Get(ctx, "long")
		require.ErrorIs(t, err, store.ErrNotFound)

		if p, ok := s.(store.Purger); ok {
			_, err := p.Purge(ctx, time.Now())
			require.NoError(t, err)
		}
	})

	t.Run("Sets", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.SAdd(ctx, "set", "a", "b", "a"))
		members, err := s.SMembers(ctx, "set")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, members)

		require.NoError(t, s.SRem(ctx, "set", "a"))
		members, err = s.SMembers(ctx, "set")
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, members)

		members, err = s.SMembers(ctx, "empty")
		require.NoError(t, err)
		assert.Empty(t, members)
	})

	t.Run("Lists", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.RPush(ctx, "q", []byte("1"), []byte("2")))
		require.NoError(t, s.RPush(ctx, "q", []byte("3")))

		n, err := s.LLen(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		items, err := s.LRange(ctx, "q", -2, -1)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "2", string(items[0]))
		assert.Equal(t, "3", string(items[1]))

		head, err := s.LPop(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, "1", string(head))

		_, _ = s.LPop(ctx, "q")
		_, _ = s.LPop(ctx, "q")
		_, err = s.LPop(ctx, "q")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("CollectionExpiry", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.ErrorIs(t, s.Expire(ctx, "missing", time.Second), store.ErrNotFound)

		require.NoError(t, s.RPush(ctx, "index", []byte("e1"), []byte("e2")))
		require.NoError(t, s.SAdd(ctx, "members", "a"))
		require.NoError(t, s.RPush(ctx, "kept", []byte("x")))
		require.NoError(t, s.Expire(ctx, "index", 30*time.Millisecond))
		require.NoError(t, s.Expire(ctx, "members", 30*time.Millisecond))
		require.NoError(t, s.Expire(ctx, "kept", time.Hour))
		require.NoError(t, s.Expire(ctx, "kept", 0))
		time.Sleep(60 * time.Millisecond)

		if p, ok := s.(store.Purger); ok {
			n, err := p.Purge(ctx, time.Now())
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, 2)
		}

		n, err := s.LLen(ctx, "index")
		require.NoError(t, err)
		assert.Zero(t, n)
		members, err := s.SMembers(ctx, "members")
		require.NoError(t, err)
		assert.Empty(t, members)
		ok, err := s.Exists(ctx, "index")
		require.NoError(t, err)
		assert.False(t, ok)

		n, err = s.LLen(ctx, "kept")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// A key pushed again after expiring starts without a deadline.
		require.NoError(t, s.RPush(ctx, "index", []byte("e3")))
		time.Sleep(40 * time.Millisecond)
		n, err = s.LLen(ctx, "index")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("PubSub", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s := newStore(t)

		ch, err := s.Subscribe(ctx, "events")
		require.NoError(t, err)

		require.NoError(t, s.Publish(ctx, "other", []byte("ignored")))
		require.NoError(t, s.Publish(ctx, "events", []byte("hello")))

		select {
		case msg := <-ch:
			assert.Equal(t, "hello", string(msg))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for published message")
		}

		cancel()
		require.Eventually(t, func() bool {
			select {
			case _, ok := <-ch:
				return !ok
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
	})
}
