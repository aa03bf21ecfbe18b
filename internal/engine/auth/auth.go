// Package auth holds the role gates the engine applies before any write.
// Every refusal is an apperr authorization error whose reason is logged but
// never shown to the caller.
package auth

import (
	"agencyflow/internal/apperr"
	"agencyflow/internal/domain"
	"agencyflow/internal/role"
)

func Classified(a role.Actor) error {
	if !a.Classified() {
		return apperr.Forbidden("unclassified actor")
	}
	return nil
}

func Admin(a role.Actor) error {
	if err := Classified(a); err != nil {
		return err
	}
	if !a.IsAdmin() {
		return apperr.Forbidden("admin required")
	}
	return nil
}

// AdminFor admits an Admin whose acting-as scope, if any, is clientID.
func AdminFor(a role.Actor, clientID string) error {
	if err := Admin(a); err != nil {
		return err
	}
	if a.ViewingClientID != "" && a.ViewingClientID != clientID {
		return apperr.Forbidden("admin scoped to another client")
	}
	return nil
}

// Staff admits Admins and Collaborators.
func Staff(a role.Actor) error {
	if err := Classified(a); err != nil {
		return err
	}
	if !a.IsAdmin() && !a.IsCollaborator() {
		return apperr.Forbidden("staff required")
	}
	return nil
}

// Assignee admits only the Collaborator the task is assigned to.
func Assignee(a role.Actor, t domain.Task) error {
	if err := Classified(a); err != nil {
		return err
	}
	if !a.IsCollaborator() || t.AssigneeID == nil || *t.AssigneeID != a.SubjectID {
		return apperr.Forbidden("assigned collaborator required")
	}
	return nil
}

// ClientOwner admits the owning Client or an Admin acting as that client.
func ClientOwner(a role.Actor, clientID string) error {
	if err := Classified(a); err != nil {
		return err
	}
	if !a.ActsForClient(clientID) {
		return apperr.Forbidden("owning client required")
	}
	return nil
}

// ClientOrAdmin admits an Admin in any scope, or the owning Client.
func ClientOrAdmin(a role.Actor, clientID string) error {
	if err := Classified(a); err != nil {
		return err
	}
	if a.IsAdmin() || (a.IsClient() && a.ClientID == clientID) {
		return nil
	}
	return apperr.Forbidden("client or admin required")
}

// CanSeeTask reports whether the actor may read t at all. Status projection
// is applied separately.
func CanSeeTask(a role.Actor, t domain.Task) bool {
	if !a.Classified() {
		return false
	}
	switch a.Class {
	case role.Admin:
		return a.ViewingClientID == "" || a.ViewingClientID == t.ClientID
	case role.Collaborator:
		return t.AssigneeID != nil && *t.AssigneeID == a.SubjectID
	case role.Client:
		return a.ClientID != "" && a.ClientID == t.ClientID
	}
	return false
}

// CanSeeRequest reports request visibility. Collaborators only ever see the
// tasks derived from requests.
func CanSeeRequest(a role.Actor, r domain.Request) bool {
	if !a.Classified() {
		return false
	}
	switch a.Class {
	case role.Admin:
		return a.ViewingClientID == "" || a.ViewingClientID == r.ClientID
	case role.Client:
		return a.ClientID != "" && a.ClientID == r.ClientID
	}
	return false
}
