package engine

import (
	"agencyflow/internal/apperr"
	"agencyflow/internal/domain"
	"agencyflow/internal/engine/auth"
	"agencyflow/internal/role"
)

type gate int

const (
	gateAssignee gate = iota
	gateAdmin
	gateClientOwner
)

type taskEdge struct {
	from, to domain.TaskStatus
}

type taskRule struct {
	gate gate
	// notes are required and kept as a task comment.
	notes bool
	// notifyAssignee routes the change back to the collaborator.
	notifyAssignee bool
	notifyClient   bool
}

var taskRules = map[taskEdge]taskRule{
	{domain.TaskBacklog, domain.TaskInProgress}:                       {gate: gateAssignee},
	{domain.TaskAdjustmentsRequested, domain.TaskInProgress}:          {gate: gateAssignee},
	{domain.TaskClientRequestedChanges, domain.TaskInProgress}:        {gate: gateAssignee},
	{domain.TaskInProgress, domain.TaskInReview}:                      {gate: gateAssignee},
	{domain.TaskInReview, domain.TaskReleasedToClient}:                {gate: gateAdmin, notifyClient: true},
	{domain.TaskInReview, domain.TaskAdjustmentsRequested}:            {gate: gateAdmin, notes: true, notifyAssignee: true},
	{domain.TaskReleasedToClient, domain.TaskClientApproved}:          {gate: gateClientOwner},
	{domain.TaskReleasedToClient, domain.TaskClientRequestedChanges}:  {gate: gateClientOwner, notes: true, notifyAssignee: true},
	{domain.TaskClientApproved, domain.TaskPublished}:                 {gate: gateAdmin, notifyClient: true},
	{domain.TaskBacklog, domain.TaskCancelled}:                        {gate: gateAdmin, notes: true, notifyAssignee: true},
	{domain.TaskInProgress, domain.TaskCancelled}:                     {gate: gateAdmin, notes: true, notifyAssignee: true},
	{domain.TaskAdjustmentsRequested, domain.TaskCancelled}:           {gate: gateAdmin, notes: true, notifyAssignee: true},
	{domain.TaskClientRequestedChanges, domain.TaskCancelled}:         {gate: gateAdmin, notes: true, notifyAssignee: true},
}

// requiresOutput lists targets that need at least one Output attachment,
// whatever the prior state.
var requiresOutput = map[domain.TaskStatus]bool{
	domain.TaskInReview:         true,
	domain.TaskReleasedToClient: true,
}

// NextTaskStatuses lists the targets reachable from a status, in board order.
func NextTaskStatuses(from domain.TaskStatus) []domain.TaskStatus {
	var out []domain.TaskStatus
	for _, to := range domain.TaskStatuses {
		if _, ok := taskRules[taskEdge{from, to}]; ok {
			out = append(out, to)
		}
	}
	return out
}

func lookupTaskRule(from, to domain.TaskStatus) (taskRule, error) {
	if from == to {
		return taskRule{}, apperr.Stale("task already %s", to)
	}
	rule, ok := taskRules[taskEdge{from, to}]
	if !ok {
		return taskRule{}, apperr.Stale("task is %s; cannot move to %s", from, to)
	}
	return rule, nil
}

func (r taskRule) check(a role.Actor, t domain.Task) error {
	switch r.gate {
	case gateAssignee:
		return auth.Assignee(a, t)
	case gateAdmin:
		return auth.AdminFor(a, t.ClientID)
	case gateClientOwner:
		return auth.ClientOwner(a, t.ClientID)
	}
	return apperr.Forbidden("unknown gate")
}

var requestRules = map[domain.RequestStatus][]domain.RequestStatus{
	domain.RequestPending:     {domain.RequestUnderReview, domain.RequestApproved, domain.RequestRejected},
	domain.RequestUnderReview: {domain.RequestApproved, domain.RequestRejected},
}

func checkRequestTransition(from, to domain.RequestStatus) error {
	if from == to {
		return apperr.Stale("request already %s", to)
	}
	for _, next := range requestRules[from] {
		if next == to {
			return nil
		}
	}
	return apperr.Stale("request is %s; cannot move to %s", from, to)
}
