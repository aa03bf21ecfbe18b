package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"agencyflow/internal/domain"
	"agencyflow/internal/engine"
	"agencyflow/internal/role"
)

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Client work requests"}
	req.AddCommand(requestSubmitCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestReviewCmd())
	req.AddCommand(requestApproveCmd())
	req.AddCommand(requestRejectCmd())
	return req
}

func requestSubmitCmd() *cobra.Command {
	var in engine.SubmitRequestInput
	var priority string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Priority = domain.Priority(priority)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				req, err := e.SubmitRequest(ctx, actor, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&in.ClientID, "for-client", "", "client id (defaults to the acting subject's client)")
	cmd.Flags().StringVar(&in.ProductID, "product", "", "catalog product id")
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().IntVar(&in.Quantity, "quantity", 1, "quantity")
	cmd.Flags().StringVar(&priority, "priority", "", "Normal or Urgent")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func requestListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				items, err := e.ListRequests(ctx, actor, domain.RequestStatus(status), limit)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, r := range items {
					rows = append(rows, table.Row{r.Protocol, r.ID, r.ClientID, r.Title, r.Priority, r.Status, r.CreatedAt})
				}
				return printTable(items, table.Row{"Protocol", "ID", "Client", "Title", "Priority", "Status", "Created"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				req, err := e.GetRequest(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
}

func requestReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <request-id>",
		Short: "Start reviewing a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				req, err := e.StartReview(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
}

func requestApproveCmd() *cobra.Command {
	var in engine.ApproveRequestInput
	cmd := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a request and create its task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.RequestID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				res, err := e.ApproveRequest(ctx, actor, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.AssigneeID, "assignee", "", "collaborator profile id")
	cmd.Flags().StringVar(&in.DueDate, "due", "", "due date YYYY-MM-DD")
	cmd.Flags().StringVar(&in.ProjectID, "project", "", "optional project id")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "review notes")
	_ = cmd.MarkFlagRequired("assignee")
	_ = cmd.MarkFlagRequired("due")
	return cmd
}

func requestRejectCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "reject <request-id>",
		Short: "Reject a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				req, err := e.RejectRequest(ctx, actor, args[0], notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "reason shown to the client")
	_ = cmd.MarkFlagRequired("notes")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Production tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskAdvanceCmd())
	task.AddCommand(taskBoardCmd())
	task.AddCommand(taskAttachCmd())
	task.AddCommand(taskCommentCmd())
	task.AddCommand(taskStatsCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var in engine.CreateTaskInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task without a client request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				task, err := e.CreateTask(ctx, actor, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&in.ClientID, "for-client", "", "client id")
	cmd.Flags().StringVar(&in.ProductID, "product", "", "catalog product id")
	cmd.Flags().StringVar(&in.AssigneeID, "assignee", "", "collaborator profile id")
	cmd.Flags().StringVar(&in.ProjectID, "project", "", "optional project id")
	cmd.Flags().IntVar(&in.Quantity, "quantity", 1, "quantity")
	cmd.Flags().StringVar(&in.DueDate, "due", "", "due date YYYY-MM-DD")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	for _, f := range []string{"for-client", "product", "assignee", "due"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func taskRows(items []engine.TaskView) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, t := range items {
		rows = append(rows, table.Row{t.ID, t.ClientID, t.ProductID, deref(t.AssigneeID), t.Status, t.DueDate, t.Urgency})
	}
	return rows
}

var taskHeader = table.Row{"ID", "Client", "Product", "Assignee", "Status", "Due", "Urgency"}

func taskListCmd() *cobra.Command {
	var q engine.TaskQuery
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks visible to the acting subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Status = domain.TaskStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				items, err := e.ListTasks(ctx, actor, q)
				if err != nil {
					return err
				}
				return printTable(items, taskHeader, taskRows(items))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "canonical status filter (staff only)")
	cmd.Flags().IntVar(&q.Limit, "limit", 100, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				view, err := e.GetTask(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
}

func taskAdvanceCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "advance <task-id> <status>",
		Short: "Move a task one lifecycle step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				task, err := e.AdvanceTask(ctx, actor, engine.AdvanceTaskInput{TaskID: args[0], Target: domain.TaskStatus(args[1]), Notes: notes})
				if err != nil {
					return err
				}
				view, err := e.GetTask(ctx, actor, task.ID)
				if err != nil {
					return err
				}
				if next := engine.NextTaskStatuses(task.Status); len(next) > 0 && !actor.IsClient() {
					fmt.Fprintf(os.Stderr, "next: %v\n", next)
				}
				return printJSONOrTable(view)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the step (required when requesting changes)")
	return cmd
}

func taskBoardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Show the task board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				cols, err := e.Board(ctx, actor)
				if err != nil {
					return err
				}
				var rows []table.Row
				for _, c := range cols {
					if len(c.Tasks) == 0 {
						rows = append(rows, table.Row{c.Bucket, "", "", "", ""})
						continue
					}
					for i, t := range c.Tasks {
						bucket := ""
						if i == 0 {
							bucket = c.Bucket
						}
						rows = append(rows, table.Row{bucket, t.ID, t.ProductID, t.DueDate, t.Urgency})
					}
				}
				return printTable(cols, table.Row{"Column", "Task", "Product", "Due", "Urgency"}, rows)
			})
		},
	}
}

func taskAttachCmd() *cobra.Command {
	var direction, contentType string
	cmd := &cobra.Command{
		Use:   "attach <task-id> <file>",
		Short: "Upload a file to a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if contentType == "" {
				contentType = mime.TypeByExtension(filepath.Ext(args[1]))
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				att, err := e.AddAttachment(ctx, actor, engine.AttachmentInput{
					TaskID:      args[0],
					Direction:   domain.Direction(direction),
					Filename:    filepath.Base(args[1]),
					ContentType: contentType,
					Data:        data,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(att)
			})
		},
	}
	cmd.Flags().StringVar(&direction, "direction", string(domain.DirectionOutput), "Input or Output")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (guessed from the extension)")
	return cmd
}

func taskCommentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comment <task-id> <text>",
		Short: "Comment on a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				c, err := e.AddComment(ctx, actor, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func taskStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count tasks per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				counts, err := e.TaskCounts(ctx, actor)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(domain.TaskStatuses))
				for _, s := range domain.TaskStatuses {
					rows = append(rows, table.Row{s, counts[s]})
				}
				return printTable(counts, table.Row{"Status", "Tasks"}, rows)
			})
		},
	}
}
