package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agencyflow/internal/domain"
	"agencyflow/internal/engine"
)

type taskIDInput struct {
	ID string `path:"id"`
}

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createTask",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create a task without a client request",
		Tags:          []string{"tasks"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		task, err := h.e.CreateTask(ctx, actor, engine.CreateTaskInput{
			ClientID:    input.Body.ClientID,
			ProductID:   input.Body.ProductID,
			AssigneeID:  input.Body.AssigneeID,
			ProjectID:   input.Body.ProjectID,
			Quantity:    input.Body.Quantity,
			DueDate:     input.Body.DueDate,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listTasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks visible to the caller",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body ListResponse[engine.TaskView] `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := h.e.ListTasks(ctx, actor, engine.TaskQuery{Status: domain.TaskStatus(input.Status), Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ListResponse[engine.TaskView] `json:"body"`
		}{Body: ListResponse[engine.TaskView]{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "taskBoard",
		Method:      http.MethodGet,
		Path:        "/tasks/board",
		Summary:     "Tasks grouped into the caller's board columns",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ListResponse[engine.BoardColumn] `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		cols, err := h.e.Board(ctx, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ListResponse[engine.BoardColumn] `json:"body"`
		}{Body: ListResponse[engine.BoardColumn]{Items: cols}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getTask",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task as the caller may see it",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *taskIDInput) (*struct {
		Body engine.TaskView `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		view, err := h.e.GetTask(ctx, actor, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.TaskView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advanceTask",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/advance",
		Summary:     "Move a task one lifecycle step",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AdvanceTaskRequest `json:"body"`
	}) (*struct {
		Body engine.TaskView `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		if _, err := h.e.AdvanceTask(ctx, actor, engine.AdvanceTaskInput{
			TaskID: input.ID,
			Target: domain.TaskStatus(input.Body.Status),
			Notes:  input.Body.Notes,
		}); err != nil {
			return nil, h.handleError(err)
		}
		view, err := h.e.GetTask(ctx, actor, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.TaskView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "addComment",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/comments",
		Summary:       "Comment on a task",
		Tags:          []string{"tasks"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body AddCommentRequest `json:"body"`
	}) (*struct {
		Body domain.Comment `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		c, err := h.e.AddComment(ctx, actor, input.ID, input.Body.Body)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Comment `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listComments",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/comments",
		Summary:     "List task comments",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *taskIDInput) (*struct {
		Body ListResponse[domain.Comment] `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := h.e.ListComments(ctx, actor, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ListResponse[domain.Comment] `json:"body"`
		}{Body: ListResponse[domain.Comment]{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "taskCounts",
		Method:      http.MethodGet,
		Path:        "/stats/tasks",
		Summary:     "Task counts per canonical status",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TaskCountsResponse `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		counts, err := h.e.TaskCounts(ctx, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		out := make(map[string]int, len(counts))
		for status, n := range counts {
			out[string(status)] = n
		}
		return &struct {
			Body TaskCountsResponse `json:"body"`
		}{Body: TaskCountsResponse{Counts: out}}, nil
	})
}

func (h handlers) registerAttachments(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "addAttachment",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/attachments",
		Summary:       "Upload a task attachment",
		Tags:          []string{"attachments"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body AddAttachmentRequest `json:"body"`
	}) (*struct {
		Body domain.Attachment `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		att, err := h.e.AddAttachment(ctx, actor, engine.AttachmentInput{
			TaskID:      input.ID,
			Direction:   domain.Direction(input.Body.Direction),
			Filename:    input.Body.Filename,
			ContentType: input.Body.ContentType,
			Data:        input.Body.Data,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Attachment `json:"body"`
		}{Body: att}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listAttachments",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/attachments",
		Summary:     "List task attachments",
		Tags:        []string{"attachments"},
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *taskIDInput) (*struct {
		Body ListResponse[domain.Attachment] `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := h.e.ListAttachments(ctx, actor, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ListResponse[domain.Attachment] `json:"body"`
		}{Body: ListResponse[domain.Attachment]{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "downloadAttachment",
		Method:      http.MethodGet,
		Path:        "/attachments/{id}/content",
		Summary:     "Download attachment bytes",
		Tags:        []string{"attachments"},
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		att, data, err := h.e.FetchAttachment(ctx, actor, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        ct,
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", att.Filename),
			Body:               data,
		}, nil
	})
}
