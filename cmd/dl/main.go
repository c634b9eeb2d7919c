package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deskline/internal/config"
	"deskline/internal/db"
	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/migrate"
	"deskline/internal/repo"
	"deskline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Deskline CLI",
	Long: `Deskline runs multi-channel customer support conversations and tickets.
- Sessions: conversations flow bot_active -> pending_manual -> manual_live -> closed.
- Queue: escalated sessions wait in a shared queue; a claim hands the session to exactly one agent.
- Tickets: tracked issues with priorities, batch operations, and archive retention.
- SLA: deadlines per priority from deskline.yml; breaches are recorded as append-only evidence.
- Event log: every state change is appended, view with 'dl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DESKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace with default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace: %s, %s\n", path, db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect config",
		Long:  "Config is the policy file (deskline.yml): SLA hour tables, VIP tags, archive retention, webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage support sessions",
		Long:  "Sessions are conversations. They start with the bot, escalate into a shared agent queue, go live with exactly one agent, and close.",
	}
	s.AddCommand(sessionOpenCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionEscalateCmd())
	s.AddCommand(sessionClaimCmd())
	s.AddCommand(sessionReleaseCmd())
	s.AddCommand(sessionCloseCmd())
	s.AddCommand(sessionMessageCmd())
	s.AddCommand(sessionTagCmd())
	return s
}

func sessionOpenCmd() *cobra.Command {
	var opts engine.OpenSessionOptions
	var tags []string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Tags = tags
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.OpenSession(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "session id (optional)")
	cmd.Flags().StringVar(&opts.Channel, "channel", "web", "channel (web, im, phone, email)")
	cmd.Flags().StringVar(&opts.CustomerName, "customer-name", "", "customer name")
	cmd.Flags().StringVar(&opts.CustomerContact, "customer-contact", "", "customer contact")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "customer tag (repeatable)")
	cmd.Flags().StringVar(&opts.FirstMessage, "message", "", "first customer message")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var f repo.SessionFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sessions, err := e.Repo.ListSessions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Channel", "Status", "Assignee", "Customer", "Tags"})
				for _, s := range sessions {
					assignee := ""
					if s.AssigneeID != nil {
						assignee = *s.AssigneeID
					}
					tw.AppendRow(table.Row{s.ID, s.Channel, s.Status, assignee, s.CustomerName, strings.Join(s.Tags, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Channel, "channel", "", "channel filter")
	cmd.Flags().StringVar(&f.Assignee, "assignee-id", "", "assignee filter")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	var withMessages bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				if !withMessages {
					return printJSONOrTable(s)
				}
				messages, err := e.Repo.ListMessages(ctx, s.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"session": s, "messages": messages})
			})
		},
	}
	cmd.Flags().BoolVar(&withMessages, "messages", false, "include transcript")
	return cmd
}

func sessionEscalateCmd() *cobra.Command {
	var reason, detail string
	cmd := &cobra.Command{
		Use:   "escalate <id>",
		Short: "Escalate a session to the agent queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Escalate(ctx, args[0], reason, detail, viper.GetString("actor-id"), 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "escalation reason")
	cmd.Flags().StringVar(&detail, "detail", "", "escalation detail")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func sessionClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a queued session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Claim(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sessionReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release a live session back to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Release(ctx, args[0], viper.GetString("actor-id"), 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sessionCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CloseSession(ctx, args[0], viper.GetString("actor-id"), 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sessionMessageCmd() *cobra.Command {
	var role, content string
	cmd := &cobra.Command{
		Use:   "message <id>",
		Short: "Append a message to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SendMessage(ctx, args[0], role, viper.GetString("actor-id"), content)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "agent", "sender role (customer, bot, agent)")
	cmd.Flags().StringVar(&content, "content", "", "message content")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func sessionTagCmd() *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "tag <id>",
		Short: "Replace the customer tags on a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.TagSession(ctx, args[0], tags, viper.GetString("actor-id"), 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "customer tag (repeatable)")
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the agent queue",
	}
	q.AddCommand(queueListCmd())
	return q
}

func queueListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued sessions in claim order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Queue(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Session", "Hint", "Reason", "Enqueued"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.SessionID, entry.PriorityHint, entry.Reason, entry.EnqueuedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func ticketCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "ticket",
		Short: "Manage tickets",
		Long:  "Tickets are tracked issues: pending -> in_progress -> waiting_* -> resolved -> closed -> archived. Close is allowed from any non-terminal status.",
	}
	t.AddCommand(ticketCreateCmd())
	t.AddCommand(ticketListCmd())
	t.AddCommand(ticketShowCmd())
	t.AddCommand(ticketUpdateCmd())
	t.AddCommand(ticketReopenCmd())
	t.AddCommand(ticketArchiveCmd())
	t.AddCommand(ticketBatchCmd())
	t.AddCommand(ticketSweepCmd())
	return t
}

func ticketCreateCmd() *cobra.Command {
	var opts engine.TicketCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTicket(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "ticket id (optional)")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "link to session id")
	cmd.Flags().StringVar(&opts.Type, "type", "", "type (pre_sale, after_sale, complaint)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (urgent, high, medium, low)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	cmd.Flags().StringVar(&opts.CustomerName, "customer-name", "", "customer name")
	cmd.Flags().StringVar(&opts.CustomerEmail, "customer-email", "", "customer email")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func ticketListCmd() *cobra.Command {
	var f repo.TicketFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tickets, err := e.Repo.ListTickets(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tickets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignee"})
				for _, t := range tickets {
					assignee := ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.Assignee, "assignee-id", "", "assignee filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTicket(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func ticketUpdateCmd() *cobra.Command {
	var opts engine.TicketUpdateOptions
	var assignee, description string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("assign") {
				opts.Assignee = &assignee
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTicket(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "new status")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "new priority")
	cmd.Flags().StringVar(&assignee, "assign", "", "set assignee id (empty clears)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	return cmd
}

func ticketReopenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reopen <id>",
		Short: "Reopen a resolved or closed ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ReopenTicket(ctx, args[0], viper.GetString("actor-id"), 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func ticketArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a closed ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ArchiveTicket(ctx, args[0], viper.GetString("actor-id"), 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func ticketBatchCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "batch",
		Short: "Batch ticket operations",
		Long:  "Batch operations report a per-ticket outcome; one failed ticket never rolls back the rest.",
	}
	b.AddCommand(ticketBatchAssignCmd())
	b.AddCommand(ticketBatchCloseCmd())
	b.AddCommand(ticketBatchPriorityCmd())
	return b
}

func ticketBatchAssignCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "assign <id>...",
		Short: "Assign tickets to an agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printBatchResults(e.BatchAssign(ctx, args, agentID, viper.GetString("actor-id")))
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent id")
	_ = cmd.MarkFlagRequired("agent-id")
	return cmd
}

func ticketBatchCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <id>...",
		Short: "Close tickets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printBatchResults(e.BatchClose(ctx, args, viper.GetString("actor-id")))
			})
		},
	}
	return cmd
}

func ticketBatchPriorityCmd() *cobra.Command {
	var priority string
	cmd := &cobra.Command{
		Use:   "priority <id>...",
		Short: "Set ticket priorities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printBatchResults(e.BatchSetPriority(ctx, args, priority, viper.GetString("actor-id")))
			})
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "priority (urgent, high, medium, low)")
	_ = cmd.MarkFlagRequired("priority")
	return cmd
}

func ticketSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Archive closed tickets past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				archived, err := e.ArchiveSweep(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"archived": archived, "count": len(archived)})
			})
		},
	}
	return cmd
}

func slaCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "sla",
		Short: "SLA evaluation",
		Long:  "Deadlines come from deskline.yml: per-priority hours for tickets, vip/normal hours for sessions. A missed deadline is recorded as append-only breach evidence.",
	}
	s.AddCommand(slaShowCmd())
	s.AddCommand(slaBreachesCmd())
	return s
}

func slaShowCmd() *cobra.Command {
	var ticketID, sessionID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Evaluate SLA for a ticket or session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (ticketID == "") == (sessionID == "") {
				return fmt.Errorf("exactly one of --ticket or --session is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var status engine.SLAStatus
				var err error
				if ticketID != "" {
					status, err = e.TicketSLA(ctx, ticketID)
				} else {
					status, err = e.SessionSLA(ctx, sessionID)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
	cmd.Flags().StringVar(&ticketID, "ticket", "", "ticket id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	return cmd
}

func slaBreachesCmd() *cobra.Command {
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "breaches",
		Short: "List recorded SLA breaches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				breaches, err := e.Repo.ListSLABreaches(ctx, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(breaches)
			})
		},
	}
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter (session, ticket)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
	}
	a.AddCommand(agentListCmd())
	a.AddCommand(agentPresenceCmd())
	return a
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				agents, err := r.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Presence"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.DisplayName, a.Presence})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentPresenceCmd() *cobra.Command {
	var presence, displayName string
	cmd := &cobra.Command{
		Use:   "presence",
		Short: "Set own presence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetAgentPresence(ctx, viper.GetString("actor-id"), presence, displayName)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&presence, "presence", "", "presence (online, away, offline)")
	cmd.Flags().StringVar(&displayName, "display-name", "", "display name")
	_ = cmd.MarkFlagRequired("presence")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var agentID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				agentID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					AgentID: agentID,
					Name:    name,
					KeyHash: repo.HashAPIKey(plaintext),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureAgent(ctx, tx, agentID); err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "agent_id": agentID, "name": name, "key": plaintext})
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent id (defaults to actor)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, agentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.AgentID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: session transitions, queue changes, ticket updates, SLA breaches.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var events []domain.Event
				var err error
				if after > 0 || entityKind != "" || entityID != "" {
					events, err = r.EventsAfter(ctx, n, after, entityKind, entityID)
				} else {
					events, err = r.TailEvents(ctx, n)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "events after this id")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("DESKLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("DESKLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			notifierCtx, stopNotifier := context.WithCancel(context.Background())
			defer stopNotifier()
			server.StartNotifier(notifierCtx, e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Deskline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printBatchResults(results []engine.BatchResult) error {
	if viper.GetBool("json") {
		return printJSON(results)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Ticket", "OK", "Code", "Error"})
	for _, res := range results {
		tw.AppendRow(table.Row{res.TicketID, res.OK, res.Code, res.Error})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
