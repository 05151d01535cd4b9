package data

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	domainauth "github.com/target/stockroom/internal/domain/auth"
	apperrors "github.com/target/stockroom/internal/errors"
	"github.com/target/stockroom/internal/ports"
	"github.com/target/stockroom/internal/testutil"
)

func TestPersonRepo_UpsertAndGet(t *testing.T) {
	db := testutil.SetupAutoDB(t)
	ctx := context.Background()
	repo := NewPersonRepo(db)

	id := uuid.NewString()
	in := domainauth.Person{ID: id, FirstName: "Grace", LastName: "Hopper", Email: "grace@example.com"}
	require.NoError(t, repo.UpsertPerson(ctx, in))

	got, err := repo.GetPerson(ctx, id)
	require.NoError(t, err)
	in.Status = domainauth.PersonActive
	assert.Equal(t, in, got)
	assert.True(t, got.IsActive())
}

func TestPersonRepo_SetStatus(t *testing.T) {
	db := testutil.SetupAutoDB(t)
	ctx := context.Background()
	repo := NewPersonRepo(db)

	id := uuid.NewString()
	require.NoError(t, repo.UpsertPerson(ctx, domainauth.Person{ID: id, Status: domainauth.PersonActive}))
	require.NoError(t, repo.SetStatus(ctx, id, domainauth.PersonInactive))

	got, err := repo.GetPerson(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.IsActive())

	require.ErrorIs(t, repo.SetStatus(ctx, uuid.NewString(), domainauth.PersonInactive), ports.ErrPersonNotFound)
}

func TestPersonRepo_NotFound(t *testing.T) {
	db := testutil.SetupAutoDB(t)

	_, err := NewPersonRepo(db).GetPerson(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, ports.ErrPersonNotFound)
}

func TestPersonRepo_Validation(t *testing.T) {
	repo := NewPersonRepo(nil)
	ctx := context.Background()

	_, err := repo.GetPerson(ctx, "")
	assert.True(t, apperrors.IsValidation(err))
	assert.True(t, apperrors.IsValidation(repo.UpsertPerson(ctx, domainauth.Person{})))
	assert.True(t, apperrors.IsValidation(repo.UpsertPerson(ctx, domainauth.Person{ID: "p", Status: "retired"})))
}
