package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecks(t *testing.T) {
	buyer := Identity{UserID: "b1", Role: RoleBuyer}
	other := Identity{UserID: "b2", Role: RoleBuyer}
	provider := Identity{UserID: "p1", Role: RoleProvider}
	admin := Identity{UserID: "root", Role: RoleAdmin}

	assert.NoError(t, RequireBuyer(buyer, "b1"))
	assert.ErrorIs(t, RequireBuyer(other, "b1"), ErrForbidden)
	assert.NoError(t, RequireBuyer(admin, "b1"))

	assert.NoError(t, RequireProvider(provider, "p1"))
	// a buyer that happens to share the id is still not a provider
	assert.ErrorIs(t, RequireProvider(Identity{UserID: "p1", Role: RoleBuyer}, "p1"), ErrForbidden)

	assert.NoError(t, RequireParticipant(provider, "b1", "p1"))
	assert.NoError(t, RequireParticipant(buyer, "b1", "p1"))
	assert.ErrorIs(t, RequireParticipant(other, "b1", "p1"), ErrForbidden)

	assert.ErrorIs(t, RequireAdmin(provider), ErrForbidden)
	assert.NoError(t, RequireAdmin(admin))

	assert.ErrorIs(t, RequireBuyer(Identity{}, "b1"), ErrUnauthenticated)
	assert.ErrorIs(t, RequireAdmin(Identity{UserID: "x", Role: "root"}), ErrUnauthenticated)
}
