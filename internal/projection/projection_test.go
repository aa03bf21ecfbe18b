package projection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agencyflow/internal/domain"
	"agencyflow/internal/role"
)

func TestClientBuckets(t *testing.T) {
	cases := map[domain.TaskStatus]string{
		domain.TaskBacklog:              BucketInProduction,
		domain.TaskInProgress:           BucketInProduction,
		domain.TaskInReview:             BucketReview,
		domain.TaskReleasedToClient:     BucketReview,
		domain.TaskAdjustmentsRequested: BucketReview,
		domain.TaskClientApproved:       BucketApproved,
		domain.TaskPublished:            BucketApproved,
	}
	for status, want := range cases {
		v, ok := Project(status, role.Client)
		require.True(t, ok, status)
		assert.Equal(t, want, v.Label)
		assert.Equal(t, want, v.Bucket)
	}
	for _, hidden := range []domain.TaskStatus{domain.TaskClientRequestedChanges, domain.TaskCancelled, "Bogus"} {
		_, ok := Project(hidden, role.Client)
		assert.False(t, ok, hidden)
	}
}

func TestSameRecordTwoViewers(t *testing.T) {
	task := domain.Task{ID: "t1", Status: domain.TaskAdjustmentsRequested}
	adminView, ok := Project(task.Status, role.Admin)
	require.True(t, ok)
	clientView, ok := Project(task.Status, role.Client)
	require.True(t, ok)
	assert.Equal(t, "AdjustmentsRequested", adminView.Label)
	assert.Equal(t, BucketReview, clientView.Label)
	assert.Equal(t, domain.TaskAdjustmentsRequested, task.Status)
}

func TestUnclassifiedSeesNothing(t *testing.T) {
	for _, s := range domain.TaskStatuses {
		_, ok := Project(s, role.Unclassified)
		assert.False(t, ok)
	}
	assert.Nil(t, Buckets(role.Unclassified))
}

func TestFilterAndBoard(t *testing.T) {
	tasks := []domain.Task{
		{ID: "a", Status: domain.TaskBacklog},
		{ID: "b", Status: domain.TaskClientRequestedChanges},
		{ID: "c", Status: domain.TaskInReview},
		{ID: "d", Status: domain.TaskPublished},
		{ID: "e", Status: domain.TaskInProgress},
	}
	items := Filter(tasks, role.Client)
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.Task.ID)
	}
	assert.Equal(t, []string{"a", "c", "d", "e"}, ids)
	assert.Len(t, Filter(tasks, role.Admin), 5)

	board := Board(tasks, role.Client)
	require.Len(t, board, 3)
	assert.Equal(t, BucketInProduction, board[0].Bucket)
	assert.Len(t, board[0].Items, 2)
	assert.Len(t, board[1].Items, 1)
	assert.Len(t, board[2].Items, 1)

	staff := Board(tasks, role.Collaborator)
	require.Len(t, staff, len(domain.TaskStatuses))
	assert.Equal(t, "b", staff[5].Items[0].Task.ID)
}
