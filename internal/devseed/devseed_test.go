package devseed

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/stockroom/config"
	"github.com/target/stockroom/internal/data"
	domainauth "github.com/target/stockroom/internal/domain/auth"
	"github.com/target/stockroom/internal/testutil"
)

func TestDevFixture(t *testing.T) {
	f := DevFixture(config.DevAuthConfig{UserID: "u-1", Email: "dev@example.com"})

	assert.Equal(t, "u-1", f.Profile.ID)
	assert.Equal(t, domainauth.RoleAdmin, f.Profile.Role)
	assert.Equal(t, f.Person.ID, f.Profile.LinkedPersonID)
	assert.Equal(t, f.Department.ID, f.Profile.DepartmentID)
	assert.True(t, f.Person.IsActive())
	assert.True(t, f.Profile.Valid())
}

func TestRun_IsRepeatable(t *testing.T) {
	db := testutil.SetupAutoDB(t)
	ctx := context.Background()

	f := DevFixture(config.DevAuthConfig{UserID: uuid.NewString(), Email: "seed@example.com"})
	svcs := NewServices(db)
	require.NoError(t, Run(ctx, svcs, f, nil))
	require.NoError(t, Run(ctx, svcs, f, nil))

	got, err := data.NewProfileRepo(db).GetProfile(ctx, f.Profile.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Profile.LinkedPersonID, got.LinkedPersonID)
	require.NotNil(t, got.Department)
	assert.Equal(t, "Stockroom", got.Department.Name)
}
