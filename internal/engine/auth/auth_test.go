package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"agencyflow/internal/apperr"
	"agencyflow/internal/domain"
	"agencyflow/internal/role"
)

func ptr(s string) *string { return &s }

var (
	admin    = role.Actor{SubjectID: "adm", Class: role.Admin}
	asClient = role.Actor{SubjectID: "adm", Class: role.Admin, ViewingClientID: "c1"}
	collab   = role.Actor{SubjectID: "col", Class: role.Collaborator}
	other    = role.Actor{SubjectID: "col2", Class: role.Collaborator}
	client   = role.Actor{SubjectID: "cli", Class: role.Client, ClientID: "c1"}
	stranger = role.Actor{SubjectID: "cli2", Class: role.Client, ClientID: "c2"}
	nobody   = role.Actor{SubjectID: "x", Class: role.Unclassified}
)

func forbidden(t *testing.T, err error) {
	t.Helper()
	assert.True(t, errors.Is(err, apperr.ErrAuthorization), "want authorization error, got %v", err)
	assert.Equal(t, "not permitted", err.Error())
}

func TestGates(t *testing.T) {
	task := domain.Task{ID: "t1", ClientID: "c1", AssigneeID: ptr("col")}

	assert.NoError(t, Admin(admin))
	forbidden(t, Admin(collab))
	forbidden(t, Admin(nobody))

	assert.NoError(t, AdminFor(admin, "c1"))
	assert.NoError(t, AdminFor(asClient, "c1"))
	forbidden(t, AdminFor(asClient, "c2"))
	forbidden(t, AdminFor(client, "c1"))

	assert.NoError(t, Staff(collab))
	forbidden(t, Staff(client))

	assert.NoError(t, Assignee(collab, task))
	forbidden(t, Assignee(other, task))
	forbidden(t, Assignee(admin, task))

	assert.NoError(t, ClientOwner(client, "c1"))
	assert.NoError(t, ClientOwner(asClient, "c1"))
	forbidden(t, ClientOwner(admin, "c1"))
	forbidden(t, ClientOwner(stranger, "c1"))

	assert.NoError(t, ClientOrAdmin(admin, "c1"))
	assert.NoError(t, ClientOrAdmin(client, "c1"))
	forbidden(t, ClientOrAdmin(collab, "c1"))
}

func TestVisibility(t *testing.T) {
	task := domain.Task{ClientID: "c1", AssigneeID: ptr("col")}
	assert.True(t, CanSeeTask(admin, task))
	assert.True(t, CanSeeTask(asClient, task))
	assert.True(t, CanSeeTask(collab, task))
	assert.False(t, CanSeeTask(other, task))
	assert.True(t, CanSeeTask(client, task))
	assert.False(t, CanSeeTask(stranger, task))
	assert.False(t, CanSeeTask(nobody, task))

	req := domain.Request{ClientID: "c1"}
	assert.True(t, CanSeeRequest(admin, req))
	assert.True(t, CanSeeRequest(client, req))
	assert.False(t, CanSeeRequest(collab, req))
	assert.False(t, CanSeeRequest(stranger, req))
}
