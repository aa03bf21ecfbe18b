package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"go.uber.org/zap"

	"agencyflow/internal/engine"
)

const streamKeepAlive = 25 * time.Second

type keepAlive struct {
	TS string `json:"ts" format:"date-time"`
}

func (h handlers) registerRecords(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "recordEvents",
		Method:      http.MethodGet,
		Path:        "/records/{id}/events",
		Summary:     "Events of one request or task",
		Description: "Clients receive only the events their board may show.",
		Tags:        []string{"records"},
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		After int64  `query:"after"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body ListResponse[EventResponse] `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		evs, err := h.e.RecordEvents(ctx, actor, input.ID, input.After, input.Limit)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ListResponse[EventResponse] `json:"body"`
		}{Body: ListResponse[EventResponse]{Items: eventResponses(evs)}}, nil
	})

	sse.Register(api, huma.Operation{
		OperationID: "streamRecord",
		Method:      http.MethodGet,
		Path:        "/records/{id}/stream",
		Summary:     "Live feed of one request or task",
		Description: "Replays events after Last-Event-ID, then streams new ones.",
		Tags:        []string{"records"},
	}, map[string]any{
		"message": EventResponse{},
		"error":   apiErrorBody{},
		"ping":    keepAlive{},
	}, func(ctx context.Context, input *struct {
		ID          string `path:"id"`
		LastEventID int64  `header:"Last-Event-ID"`
	}, send sse.Sender) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			send.Data(apiErrorBody{Code: "unauthorized", Message: "authentication required"})
			return
		}
		sub, err := h.e.Subscribe(ctx, actor, input.ID)
		if err != nil {
			if se, ok := h.handleError(err).(*apiError); ok {
				send.Data(se.Body)
			}
			return
		}
		defer sub.Close()

		last := input.LastEventID
		backlog, err := h.e.RecordEvents(ctx, actor, input.ID, last, 0)
		if err != nil {
			h.log.Warn("stream replay failed", zap.String("record_id", input.ID), zap.Error(err))
			return
		}
		for _, ev := range backlog {
			if err := send(sse.Message{ID: int(ev.ID), Data: eventResponse(ev)}); err != nil {
				return
			}
			last = ev.ID
		}

		ticker := time.NewTicker(streamKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := send.Data(keepAlive{TS: time.Now().UTC().Format(time.RFC3339)}); err != nil {
					return
				}
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				if ev.ID <= last {
					continue
				}
				view, visible := h.e.ViewEvent(actor, ev)
				if !visible {
					continue
				}
				if err := send(sse.Message{ID: int(view.ID), Data: eventResponse(view)}); err != nil {
					return
				}
				last = ev.ID
			}
		}
	})

	huma.Register(api, huma.Operation{
		OperationID: "tailLog",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "Newest events across all records",
		Tags:        []string{"records"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body ListResponse[EventResponse] `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		evs, err := h.e.TailLog(ctx, actor, engine.LogQuery{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ListResponse[EventResponse] `json:"body"`
		}{Body: ListResponse[EventResponse]{Items: eventResponses(evs)}}, nil
	})
}
