// Package crmtest holds behavior tests shared by every crm.Store implementation.
package crmtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/crmplugins/internal/crm"
)

// RunStoreSuite exercises open against the repository contract.
func RunStoreSuite(t *testing.T, open func(t *testing.T) crm.Store) {
	t.Run("create and get", func(t *testing.T) {
		repo := repository(t, open(t), crm.EntityLead)
		ctx := context.Background()

		created, err := repo.Create(ctx, crm.Record{"name": "Ada", "score": 10})
		require.NoError(t, err)
		require.NotEmpty(t, created.ID())
		assert.NotEmpty(t, created[crm.FieldCreatedAt])
		assert.Equal(t, created[crm.FieldCreatedAt], created[crm.FieldUpdatedAt])

		got, err := repo.Get(ctx, created.ID())
		require.NoError(t, err)
		assert.Equal(t, "Ada", got["name"])
		assert.EqualValues(t, 10, got["score"])
	})

	t.Run("caller id is kept and unique", func(t *testing.T) {
		repo := repository(t, open(t), crm.EntityUser)
		ctx := context.Background()

		rec, err := repo.Create(ctx, crm.Record{"id": "u-1", "email": "a@example.com"})
		require.NoError(t, err)
		assert.Equal(t, "u-1", rec.ID())

		_, err = repo.Create(ctx, crm.Record{"id": "u-1"})
		assert.ErrorIs(t, err, crm.ErrAlreadyExists)
	})

	t.Run("missing record", func(t *testing.T) {
		repo := repository(t, open(t), crm.EntityTask)
		ctx := context.Background()

		_, err := repo.Get(ctx, "nope")
		assert.ErrorIs(t, err, crm.ErrNotFound)
		_, err = repo.Update(ctx, "nope", crm.Record{"a": 1})
		assert.ErrorIs(t, err, crm.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, "nope"), crm.ErrNotFound)
	})

	t.Run("update merges and protects reserved fields", func(t *testing.T) {
		repo := repository(t, open(t), crm.EntityActivity)
		ctx := context.Background()

		rec, err := repo.Create(ctx, crm.Record{"kind": "call", "done": false})
		require.NoError(t, err)

		updated, err := repo.Update(ctx, rec.ID(), crm.Record{
			"done":             true,
			crm.FieldID:        "hijack",
			crm.FieldCreatedAt: "1970-01-01T00:00:00Z",
		})
		require.NoError(t, err)
		assert.Equal(t, rec.ID(), updated.ID())
		assert.Equal(t, rec[crm.FieldCreatedAt], updated[crm.FieldCreatedAt])
		assert.Equal(t, "call", updated["kind"])
		assert.Equal(t, true, updated["done"])
	})

	t.Run("list filters and limits in creation order", func(t *testing.T) {
		repo := repository(t, open(t), crm.EntityMessage)
		ctx := context.Background()

		for i, channel := range []string{"email", "sms", "email", "email"} {
			_, err := repo.Create(ctx, crm.Record{"channel": channel, "seq": i})
			require.NoError(t, err)
		}

		all, err := repo.List(ctx, nil, 0)
		require.NoError(t, err)
		assert.Len(t, all, 4)

		emails, err := repo.List(ctx, crm.Filter{"channel": "email"}, 2)
		require.NoError(t, err)
		require.Len(t, emails, 2)
		assert.EqualValues(t, 0, emails[0]["seq"])
		assert.EqualValues(t, 2, emails[1]["seq"])

		n, err := repo.Count(ctx, crm.Filter{"channel": "email"})
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = repo.Count(ctx, crm.Filter{"seq": 1})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("delete", func(t *testing.T) {
		repo := repository(t, open(t), crm.EntityPayment)
		ctx := context.Background()

		rec, err := repo.Create(ctx, crm.Record{"amount": 42.5})
		require.NoError(t, err)
		require.NoError(t, repo.Delete(ctx, rec.ID()))

		n, err := repo.Count(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("entities are isolated", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		plans := repository(t, store, crm.EntityPlan)
		notes := repository(t, store, crm.EntityNotification)

		_, err := plans.Create(ctx, crm.Record{"id": "shared"})
		require.NoError(t, err)
		_, err = notes.Get(ctx, "shared")
		assert.ErrorIs(t, err, crm.ErrNotFound)
	})

	t.Run("unknown entity", func(t *testing.T) {
		_, err := open(t).Repository("invoice")
		assert.ErrorIs(t, err, crm.ErrUnknownEntity)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, open(t).Ping(context.Background()))
	})
}

func repository(t *testing.T, store crm.Store, e crm.Entity) crm.Repository {
	t.Helper()
	repo, err := store.Repository(e)
	require.NoError(t, err)
	return repo
}
