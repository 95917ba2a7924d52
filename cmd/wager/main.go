package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"wagerline/internal/app"
	"wagerline/internal/config"
	"wagerline/internal/domain"
	"wagerline/internal/engine"
	"wagerline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "wager",
	Short: "Wagerline CLI",
	Long: `Wagerline keeps goal wagers consistent and on schedule.
- Rule: a goal with a total amount at stake, a deadline and its milestones.
- Milestone: a dated checkpoint carrying part of the stake; deadlines are unique and ordered.
- Trigger: a one-shot timer per incomplete milestone; when it fires before the milestone is
  completed, the wager for that milestone is triggered.
- Event log: every change, view with 'wager log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WAGERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "", "act as this user (empty acts on every rule)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "Manage rules"}
	cmd.AddCommand(ruleCreateCmd())
	cmd.AddCommand(ruleListCmd())
	cmd.AddCommand(ruleShowCmd())
	cmd.AddCommand(ruleFindCmd())
	cmd.AddCommand(ruleUpdateCmd())
	cmd.AddCommand(ruleDeleteCmd())
	return cmd
}

func ruleCreateCmd() *cobra.Command {
	var (
		file, ruleType, name, objective, total, deadline string
		milestones                                        []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rule from flags or a YAML/JSON file",
		Example: `  wager rule create --user u1 --type fitness --name marathon --objective "run 42k" \
    --total 100 --deadline 2026-12-01T00:00:00Z \
    --milestone "name=10k,type=weekly,deadline=2026-11-01T00:00:00Z,value=40" \
    --milestone "name=half,type=weekly,deadline=2026-12-01T00:00:00Z,value=60"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var spec engine.RuleSpec
			if file != "" {
				if err := readSpecFile(file, &spec); err != nil {
					return err
				}
			} else {
				var err error
				spec, err = ruleSpecFromFlags(ruleType, name, objective, total, deadline, milestones)
				if err != nil {
					return err
				}
			}
			if spec.UserID == "" {
				spec.UserID = viper.GetString("user")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.CreateRule(ctx, caller(0), spec)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "rule spec file (YAML or JSON)")
	cmd.Flags().StringVar(&ruleType, "type", "", "rule type")
	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().StringVar(&objective, "objective", "", "general objective")
	cmd.Flags().StringVar(&total, "total", "", "total amount")
	cmd.Flags().StringVar(&deadline, "deadline", "", "rule deadline (RFC3339)")
	cmd.Flags().StringArrayVar(&milestones, "milestone", nil, "milestone as name=..,type=..,deadline=..,value=.. (repeatable)")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ruleFilter(status, limit)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rules, err := a.Engine.ListRules(ctx, caller(0), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Status", "Total", "Deadline", "Done"})
				for _, r := range rules {
					done := 0
					for _, m := range r.Milestones {
						if m.Completed {
							done++
						}
					}
					tw.AppendRow(table.Row{r.ID, r.UserID, r.Name, r.Status, r.TotalAmount.String(), formatTime(r.Deadline), fmt.Sprintf("%d/%d", done, len(r.Milestones))})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (created, in_progress, completed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rules")
	return cmd
}

func ruleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <rule-id>",
		Short: "Show a rule and its milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.GetRule(ctx, caller(0), args[0])
				if err != nil {
					return err
				}
				return printRule(r)
			})
		},
	}
}

func ruleFindCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Find the newest rule with a name",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.GetRuleByName(ctx, caller(0), name)
				if err != nil {
					return err
				}
				return printRule(r)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "rule name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func ruleUpdateCmd() *cobra.Command {
	var (
		file      string
		ifVersion int64
	)
	cmd := &cobra.Command{
		Use:   "update <rule-id>",
		Short: "Replace a rule from a YAML/JSON file",
		Long:  "Milestones listed with their existing milestoneId keep their completion; milestones left out are removed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var spec engine.RuleSpec
			if err := readSpecFile(file, &spec); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.UpdateRule(ctx, caller(ifVersion), args[0], spec)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "rule spec file (YAML or JSON)")
	cmd.Flags().Int64Var(&ifVersion, "if-version", 0, "fail unless the stored rule has this version")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule and cancel its triggers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.DeleteRule(ctx, caller(0), args[0])
				if err != nil {
					return err
				}
				reportGaps(res)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Deleted rule %s\n", res.Rule.ID)
				return nil
			})
		},
	}
}

func milestoneCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "milestone", Short: "Manage milestones of a rule"}
	cmd.AddCommand(milestoneAddCmd())
	cmd.AddCommand(milestoneUpdateCmd())
	cmd.AddCommand(milestoneCompleteCmd())
	return cmd
}

func milestoneAddCmd() *cobra.Command {
	var name, mType, deadline, value string
	cmd := &cobra.Command{
		Use:   "add <rule-id>",
		Short: "Add a milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := engine.MilestoneSpec{Name: name, Type: mType}
			var err error
			if spec.Deadline, err = parseTime(deadline); err != nil {
				return err
			}
			if spec.Value, err = domain.NewAmount(value); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.AddMilestone(ctx, caller(0), args[0], spec)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "milestone name")
	cmd.Flags().StringVar(&mType, "type", "", "milestone type")
	cmd.Flags().StringVar(&deadline, "deadline", "", "milestone deadline (RFC3339)")
	cmd.Flags().StringVar(&value, "value", "", "monetary value")
	for _, f := range []string{"name", "type", "deadline", "value"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func milestoneUpdateCmd() *cobra.Command {
	var name, mType, deadline, value string
	cmd := &cobra.Command{
		Use:   "update <rule-id> <milestone-id>",
		Short: "Update milestone fields; a new deadline reschedules its trigger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.MilestonePatch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("type") {
				patch.Type = &mType
			}
			if cmd.Flags().Changed("deadline") {
				t, err := parseTime(deadline)
				if err != nil {
					return err
				}
				patch.Deadline = &t
			}
			if cmd.Flags().Changed("value") {
				v, err := domain.NewAmount(value)
				if err != nil {
					return err
				}
				patch.Value = &v
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.UpdateMilestone(ctx, caller(0), args[0], args[1], patch)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "milestone name")
	cmd.Flags().StringVar(&mType, "type", "", "milestone type")
	cmd.Flags().StringVar(&deadline, "deadline", "", "milestone deadline (RFC3339)")
	cmd.Flags().StringVar(&value, "value", "", "monetary value")
	return cmd
}

func milestoneCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <rule-id> <milestone-id>",
		Short: "Mark a milestone complete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.CompleteMilestone(ctx, caller(0), args[0], args[1])
				if err != nil {
					return err
				}
				if !res.Changed && !viper.GetBool("json") {
					fmt.Println("Milestone already complete")
				}
				return printResult(res)
			})
		},
	}
}

func triggerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "trigger", Short: "Inspect and fire milestone triggers"}
	cmd.AddCommand(triggerListCmd())
	cmd.AddCommand(triggerTickCmd())
	return cmd
}

func triggerListCmd() *cobra.Command {
	var f repo.TriggerFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List triggers, earliest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Triggers.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Trigger", "Rule", "Fires At", "Status", "Attempts", "Last Error"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.RuleID, formatTime(t.FiresAt), t.Status, t.Attempts, t.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RuleID, "rule", "", "rule id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (pending, fired, failed)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum triggers")
	return cmd
}

func triggerTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Fire every due trigger once, without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Dispatcher().Tick(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Fired %d trigger(s)\n", n)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.ListEvents(ctx, caller(0), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Rule", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.RuleID, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.RuleID, "rule", "", "rule id filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind (rule, milestone)")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default wagerline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return errors.Newf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			return yaml.NewEncoder(os.Stdout).Encode(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate wagerline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.FromFile(config.Path(viper.GetString("workspace"))); err != nil {
				return err
			}
			fmt.Println("Config valid")
			return nil
		},
	})
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return domain.Validationf("--user-id is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := newAPIKeySecret()
				key, err := a.Engine.Repo.InsertAPIKey(ctx, domain.APIKey{
					ID:      uuid.NewString(),
					UserID:  userID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "userId": key.UserID, "key": secret})
				}
				fmt.Printf("Created API key %s for %s\n%s\n", key.ID, key.UserID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created", "Last Used"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt, k.LastUsedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user filter")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked API key %s\n", args[0])
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the trigger dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if secret := viper.GetString("jwt-secret"); secret != "" {
					a.Config.Auth.JWTSecret = secret
				}
				fmt.Printf("Serving wagerline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n",
					addr, a.Config.Server.BasePath, a.Config.Server.BasePath)
				return a.Serve(ctx, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (or WAGERLINE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func caller(ifVersion int64) engine.Caller {
	return engine.Caller{UserID: viper.GetString("user"), IfVersion: ifVersion}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, domain.Validationf("invalid time %q: use RFC3339, e.g. 2026-12-01T00:00:00Z", s)
	}
	return t.UTC(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// readSpecFile decodes YAML or JSON into spec through its JSON field names.
func readSpecFile(path string, spec *engine.RuleSpec) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	if err := json.Unmarshal(raw, spec); err != nil {
		return domain.Validationf("invalid rule spec in %s: %v", path, err)
	}
	return nil
}

func ruleFilter(status string, limit int) (repo.RuleFilter, error) {
	f := repo.RuleFilter{Limit: limit}
	if status = strings.TrimSpace(status); status != "" {
		var err error
		if f.Status, err = domain.ParseStatus(status); err != nil {
			return f, err
		}
	}
	return f, nil
}

func ruleSpecFromFlags(ruleType, name, objective, total, deadline string, milestones []string) (engine.RuleSpec, error) {
	spec := engine.RuleSpec{Type: ruleType, Name: name, Objective: objective}
	var err error
	if spec.TotalAmount, err = domain.NewAmount(total); err != nil {
		return spec, err
	}
	if spec.Deadline, err = parseTime(deadline); err != nil {
		return spec, err
	}
	for _, raw := range milestones {
		m, err := parseMilestoneFlag(raw)
		if err != nil {
			return spec, err
		}
		spec.Milestones = append(spec.Milestones, m)
	}
	return spec, nil
}

func parseMilestoneFlag(raw string) (engine.MilestoneSpec, error) {
	var m engine.MilestoneSpec
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return m, domain.Validationf("invalid milestone %q: expected key=value pairs", raw)
		}
		v = strings.TrimSpace(v)
		var err error
		switch strings.TrimSpace(k) {
		case "id":
			m.ID = v
		case "name":
			m.Name = v
		case "type":
			m.Type = v
		case "deadline":
			m.Deadline, err = parseTime(v)
		case "value":
			m.Value, err = domain.NewAmount(v)
		default:
			return m, domain.Validationf("invalid milestone %q: unknown key %s", raw, k)
		}
		if err != nil {
			return m, err
		}
	}
	return m, nil
}

func newAPIKeySecret() string {
	return "wl_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printRule(r domain.Rule) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	fmt.Printf("%s  %s (%s)\nuser: %s  status: %s  total: %s  deadline: %s  version: %d\nobjective: %s\n",
		r.ID, r.Name, r.Type, r.UserID, r.Status, r.TotalAmount.String(), formatTime(r.Deadline), r.Version, r.Objective)
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "ID", "Name", "Type", "Deadline", "Value", "Done"})
	for _, m := range r.Milestones {
		done := ""
		if m.Completed {
			done = "yes"
		}
		tw.AppendRow(table.Row{m.Counter, m.ID, m.Name, m.Type, formatTime(m.Deadline), m.Value.String(), done})
	}
	tw.Render()
	return nil
}

func printResult(res engine.Result) error {
	reportGaps(res)
	if viper.GetBool("json") {
		return printJSON(res)
	}
	return printRule(res.Rule)
}

// reportGaps warns about trigger calls that failed after the change was saved.
func reportGaps(res engine.Result) {
	for _, g := range res.SchedulingGaps {
		fmt.Fprintf(os.Stderr, "warning: %s of trigger %s failed: %s\n", g.Op, g.TriggerID, g.Error)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
