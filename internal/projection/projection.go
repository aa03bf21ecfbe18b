// Package projection relabels canonical task statuses for each viewer class.
// It never mutates the status it is given.
package projection

import (
	"agencyflow/internal/domain"
	"agencyflow/internal/role"
)

const (
	BucketInProduction = "In Production"
	BucketReview       = "Review"
	BucketApproved     = "Approved"
)

// ClientBuckets lists the client board columns in display order.
var ClientBuckets = []string{BucketInProduction, BucketReview, BucketApproved}

var clientBucket = map[domain.TaskStatus]string{
	domain.TaskBacklog:              BucketInProduction,
	domain.TaskInProgress:           BucketInProduction,
	domain.TaskInReview:             BucketReview,
	domain.TaskReleasedToClient:     BucketReview,
	domain.TaskAdjustmentsRequested: BucketReview,
	domain.TaskClientApproved:       BucketApproved,
	domain.TaskPublished:            BucketApproved,
}

// View is what a viewer is allowed to see of a task status.
type View struct {
	Label  string `json:"label"`
	Bucket string `json:"bucket"`
}

// Project returns the view of status for viewer, or false when the task must
// be hidden from that viewer entirely.
func Project(status domain.TaskStatus, viewer role.Class) (View, bool) {
	if !status.Valid() {
		return View{}, false
	}
	switch viewer {
	case role.Admin, role.Collaborator:
		return View{Label: string(status), Bucket: string(status)}, true
	case role.Client:
		b, ok := clientBucket[status]
		if !ok || b == "" {
			return View{}, false
		}
		return View{Label: b, Bucket: b}, true
	default:
		return View{}, false
	}
}

// Item pairs a task with its projected view.
type Item struct {
	Task domain.Task
	View View
}

// Filter projects tasks for viewer, dropping the ones it may not see.
// Input order is preserved.
func Filter(tasks []domain.Task, viewer role.Class) []Item {
	out := make([]Item, 0, len(tasks))
	for _, t := range tasks {
		v, ok := Project(t.Status, viewer)
		if !ok {
			continue
		}
		out = append(out, Item{Task: t, View: v})
	}
	return out
}

// Column is one board column.
type Column struct {
	Bucket string
	Items  []Item
}

// Board groups the visible tasks into columns in the viewer's column order.
func Board(tasks []domain.Task, viewer role.Class) []Column {
	order := Buckets(viewer)
	idx := make(map[string]int, len(order))
	cols := make([]Column, len(order))
	for i, b := range order {
		idx[b] = i
		cols[i] = Column{Bucket: b}
	}
	for _, it := range Filter(tasks, viewer) {
		i, ok := idx[it.View.Bucket]
		if !ok {
			continue
		}
		cols[i].Items = append(cols[i].Items, it)
	}
	return cols
}

// Buckets returns the column names a viewer class sees.
func Buckets(viewer role.Class) []string {
	switch viewer {
	case role.Client:
		return ClientBuckets
	case role.Admin, role.Collaborator:
		out := make([]string, 0, len(domain.TaskStatuses))
		for _, s := range domain.TaskStatuses {
			out = append(out, string(s))
		}
		return out
	default:
		return nil
	}
}
