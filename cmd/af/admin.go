package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agencyflow/internal/config"
	"agencyflow/internal/domain"
	"agencyflow/internal/engine"
	"agencyflow/internal/role"
	"agencyflow/internal/vault"
)

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Activation tokens"}
	tok.AddCommand(tokenIssueCmd())
	tok.AddCommand(tokenListCmd())
	tok.AddCommand(tokenValidateCmd())
	tok.AddCommand(tokenConsumeCmd())
	return tok
}

func tokenIssueCmd() *cobra.Command {
	var subjectType string
	cmd := &cobra.Command{
		Use:   "issue <subject-id>",
		Short: "Issue an activation token for a client or collaborator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				out, err := e.IssueActivationToken(ctx, actor, args[0], domain.SubjectType(subjectType))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&subjectType, "type", string(domain.SubjectClient), "client or collaborator")
	return cmd
}

func tokenListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <subject-id>",
		Short: "Show the token history of a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				items, err := e.ListActivationTokens(ctx, actor, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, t := range items {
					rows = append(rows, table.Row{t.SubjectType, t.CreatedAt, t.ExpiresAt, deref(t.UsedAt)})
				}
				return printTable(items, table.Row{"Type", "Issued", "Expires", "Used"}, rows)
			})
		},
	}
}

func tokenValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <token>",
		Short: "Check whether a token can still be used",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ role.Actor) error {
				tok, err := e.ValidateActivationToken(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(tok)
			})
		},
	}
}

func tokenConsumeCmd() *cobra.Command {
	var cred engine.Credential
	cmd := &cobra.Command{
		Use:   "consume <token>",
		Short: "Activate the token's subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cred.Password == "" {
				cred.Password = viper.GetString("password")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ role.Actor) error {
				res, err := e.ConsumeActivationToken(ctx, args[0], cred)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&cred.Password, "password", "", "new password (or AGENCYFLOW_PASSWORD)")
	cmd.Flags().StringVar(&cred.DisplayName, "display-name", "", "display name")
	return cmd
}

func onboardingCmd() *cobra.Command {
	ob := &cobra.Command{Use: "onboarding", Short: "Client onboarding questionnaires"}
	ob.AddCommand(onboardingStartCmd())
	ob.AddCommand(onboardingAnswerCmd())
	ob.AddCommand(onboardingListCmd())
	ob.AddCommand(onboardingDecryptCmd())
	ob.AddCommand(onboardingAuditCmd())
	return ob
}

func onboardingStartCmd() *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an onboarding questionnaire",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				inst, err := e.CreateOnboardingInstance(ctx, actor, clientID)
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&clientID, "for-client", "", "client id (defaults to the acting subject's client)")
	return cmd
}

func onboardingAnswerCmd() *cobra.Command {
	var sensitive bool
	cmd := &cobra.Command{
		Use:   "answer <instance-id> <field> <value>",
		Short: "Record one answer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				resp, err := e.RecordOnboardingResponse(ctx, actor, engine.RecordResponseInput{
					InstanceID: args[0], FieldKey: args[1], Value: args[2], Sensitive: sensitive,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(resp)
			})
		},
	}
	cmd.Flags().BoolVar(&sensitive, "sensitive", false, "encrypt the value at rest")
	return cmd
}

func onboardingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <instance-id>",
		Short: "List answers with sensitive values masked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				items, err := e.ListOnboardingResponses(ctx, actor, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, r := range items {
					value := r.Value
					if r.Sensitive {
						value = "********"
					}
					rows = append(rows, table.Row{r.FieldKey, value, r.Sensitive, r.UpdatedAt})
				}
				return printTable(items, table.Row{"Field", "Value", "Sensitive", "Updated"}, rows)
			})
		},
	}
}

func onboardingDecryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <instance-id> <field>",
		Short: "Reveal a sensitive answer (audited)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				value, err := e.DecryptSensitiveField(ctx, actor, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"field_key": args[1], "value": value})
				}
				fmt.Println(value)
				return nil
			})
		},
	}
}

func onboardingAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <instance-id>",
		Short: "Show who revealed sensitive answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				items, err := e.ListAudit(ctx, actor, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, a := range items {
					rows = append(rows, table.Row{a.CreatedAt, a.SubjectID, a.Action, a.FieldKey})
				}
				return printTable(items, table.Row{"When", "Subject", "Action", "Field"}, rows)
			})
		},
	}
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{Use: "catalog", Short: "Product catalog"}
	cat.AddCommand(catalogSetCmd())
	cat.AddCommand(catalogListCmd())
	cat.AddCommand(catalogSeedCmd())
	return cat
}

func catalogSetCmd() *cobra.Command {
	var p domain.Product
	var inactive bool
	cmd := &cobra.Command{
		Use:   "set <product-id>",
		Short: "Create or update a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.ID = args[0]
			p.Active = !inactive
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				out, err := e.UpsertProduct(ctx, actor, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&p.Name, "name", "", "display name")
	cmd.Flags().Int64Var(&p.PriceCents, "price-cents", 0, "price in cents")
	cmd.Flags().IntVar(&p.SLADays, "sla-days", 0, "SLA in business days")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "hide the product from clients")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("sla-days")
	return cmd
}

func catalogListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				items, err := e.ListProducts(ctx, actor)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.Name, fmt.Sprintf("%d.%02d", p.PriceCents/100, p.PriceCents%100), p.SLADays, p.Active})
				}
				return printTable(items, table.Row{"ID", "Name", "Price", "SLA days", "Active"}, rows)
			})
		},
	}
}

func catalogSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <config.yml>",
		Short: "Add missing products from a config file's catalog section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				if !actor.IsAdmin() {
					return fmt.Errorf("catalog seed requires an admin actor")
				}
				n, err := e.SeedCatalog(ctx, cfg.Catalog)
				if err != nil {
					return err
				}
				fmt.Printf("seeded %d products\n", n)
				return nil
			})
		},
	}
}

func clientCmd() *cobra.Command {
	cl := &cobra.Command{Use: "client", Short: "Client organisations"}
	cl.AddCommand(clientCreateCmd())
	cl.AddCommand(clientListCmd())
	return cl
}

func clientCreateCmd() *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				c, err := e.CreateClient(ctx, actor, name, email)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "client name")
	cmd.Flags().StringVar(&email, "email", "", "activation email")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func clientListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				items, err := e.ListClients(ctx, actor)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, c := range items {
					rows = append(rows, table.Row{c.ID, c.Name, c.ActivationEmail, c.Status})
				}
				return printTable(items, table.Row{"ID", "Name", "Email", "Status"}, rows)
			})
		},
	}
}

func profileCmd() *cobra.Command {
	pr := &cobra.Command{Use: "profile", Short: "Staff and client user profiles"}
	pr.AddCommand(profileCreateCmd())
	pr.AddCommand(profileListCmd())
	return pr
}

func profileCreateCmd() *cobra.Command {
	var in engine.CreateProfileInput
	var roles string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Invite a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Roles = splitList(roles)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				p, err := e.CreateProfile(ctx, actor, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&in.Email, "email", "", "email")
	cmd.Flags().StringVar(&in.DisplayName, "display-name", "", "display name")
	cmd.Flags().StringVar(&roles, "with-roles", "", "comma-separated role labels")
	cmd.Flags().StringVar(&in.ClientID, "for-client", "", "client id for client users")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("with-roles")
	return cmd
}

func profileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				items, err := e.ListProfiles(ctx, actor)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.Email, strings.Join(p.Roles, ","), p.Status, deref(p.ClientID)})
				}
				return printTable(items, table.Row{"ID", "Email", "Roles", "Status", "Client"}, rows)
			})
		},
	}
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <profile-id>",
		Short: "Issue an API key carrying a profile's roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				out, err := e.CreateAPIKey(ctx, actor, args[0], name)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				return e.RevokeAPIKey(ctx, actor, args[0])
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	lg.AddCommand(logRecordCmd())
	return lg
}

func eventRows(items []domain.Event) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, ev := range items {
		rows = append(rows, table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind, ev.EntityID, ev.ActorID})
	}
	return rows
}

var eventHeader = table.Row{"ID", "TS", "Type", "Kind", "Entity", "Actor"}

func logTailCmd() *cobra.Command {
	var q engine.LogQuery
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				items, err := e.TailLog(ctx, actor, q)
				if err != nil {
					return err
				}
				return printTable(items, eventHeader, eventRows(items))
			})
		},
	}
	cmd.Flags().IntVar(&q.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&q.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&q.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&q.EntityID, "entity-id", "", "entity id")
	return cmd
}

func logRecordCmd() *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "record <request-or-task-id>",
		Short: "Events of one record as the acting subject may see them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor role.Actor) error {
				items, err := e.RecordEvents(ctx, actor, args[0], after, 0)
				if err != nil {
					return err
				}
				return printTable(items, eventHeader, eventRows(items))
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	return cmd
}

func vaultCmd() *cobra.Command {
	v := &cobra.Command{Use: "vault", Short: "Sensitive field encryption key"}
	v.AddCommand(vaultKeygenCmd())
	return v
}

func vaultKeygenCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a vault key",
		Long:  "Generates a random key. Losing it makes every stored sensitive answer unreadable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			if envFile == "" {
				fmt.Println(key)
				return nil
			}
			name := "AGENCYFLOW_VAULT_KEY"
			if cfg, err := config.LoadOrDefault(viper.GetString("workspace")); err == nil {
				name = cfg.VaultKeyEnv()
			}
			if err := setEnvValue(envFile, name, key); err != nil {
				return err
			}
			fmt.Printf("wrote %s to %s\n", name, envFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "write-env", "", "store the key in this env file instead of printing it")
	return cmd
}
