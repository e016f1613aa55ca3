package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"casematch/internal/config"
	"casematch/internal/db"
	"casematch/internal/domain"
	"casematch/internal/engine"
	"casematch/internal/migrate"
	"casematch/internal/repo"
	"casematch/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cm",
	Short: "Casematch CLI",
	Long: `Casematch routes data requests to the tables that can serve them.
Core concepts:
- Workspace: the .casematch directory holding the SQLite database; config lives in casematch.yml next to it.
- Case: one request for data, owned by a requester, holding the variables it needs.
- Variable: a single field the requester asked for; matching suggests candidate tables for it.
- Match: a scored suggestion linking a variable to a catalog table; the table owner reviews it, then the requester decides.
- Involvement: the commitment an owner takes on to create data that does not exist yet.
- Agent decision: an automated choice recorded with its confidence; low-confidence ones go to a human consensus vote.
- Event log: append-only record of everything that happened, view with 'cm log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("CASEMATCH")
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
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(variableCmd())
	rootCmd.AddCommand(respondCmd())
	rootCmd.AddCommand(involvementCmd())
	rootCmd.AddCommand(tableCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(conn)
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Printf("Applied migration %s\n", name)
			}
			fmt.Printf("Workspace ready at %s\n", filepath.Join(workspace, ".casematch"))
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrIndent(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "case",
		Short: "Manage cases",
		Long:  "Cases hold the variables a requester needs. They flow DRAFT -> SUBMITTED -> REVIEW -> APPROVED -> CLOSED, with REJECTED and CANCELLED as exits.",
	}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseSetStatusCmd())
	c.AddCommand(caseClosableCmd())
	c.AddCommand(caseAddVariableCmd())
	return c
}

// parseVariableSpec parses "name:type" or "name:type:concept".
func parseVariableSpec(spec string) (engine.VariableInput, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return engine.VariableInput{}, fmt.Errorf("variable %q must be name:type or name:type:concept", spec)
	}
	v := engine.VariableInput{
		Name:    strings.TrimSpace(parts[0]),
		VarType: strings.TrimSpace(parts[1]),
	}
	if len(parts) == 3 {
		v.Concept = strings.TrimSpace(parts[2])
	}
	return v, nil
}

func caseCreateCmd() *cobra.Command {
	var title, macroCase string
	var budget float64
	var startsAt, endsAt string
	var varSpecs []string
	var noSearch bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			var vars []engine.VariableInput
			for _, spec := range varSpecs {
				v, err := parseVariableSpec(spec)
				if err != nil {
					return err
				}
				vars = append(vars, v)
			}
			opts := engine.CaseCreateOptions{
				Title:     title,
				MacroCase: macroCase,
				Variables: vars,
				ActorID:   viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("budget") {
				opts.Budget = &budget
			}
			if startsAt != "" {
				opts.StartsAt = &startsAt
			}
			if endsAt != "" {
				opts.EndsAt = &endsAt
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, variables, err := e.CreateCase(ctx, opts)
				if err != nil {
					return err
				}
				if !noSearch {
					for _, v := range variables {
						if _, err := e.SearchVariable(ctx, v.ID, opts.ActorID); err != nil {
							fmt.Fprintf(os.Stderr, "search %s: %v\n", v.Name, err)
						}
					}
				}
				return printJSONOrIndent(map[string]any{"case": c, "variables": variables})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "case title")
	cmd.Flags().StringVar(&macroCase, "macro", "", "macro case hint used by domain scoring")
	cmd.Flags().Float64Var(&budget, "budget", 0, "budget")
	cmd.Flags().StringVar(&startsAt, "starts-at", "", "start date (RFC3339)")
	cmd.Flags().StringVar(&endsAt, "ends-at", "", "end date (RFC3339)")
	cmd.Flags().StringArrayVar(&varSpecs, "var", []string{}, "variable as name:type[:concept] (repeatable)")
	cmd.Flags().BoolVar(&noSearch, "no-search", false, "skip the automatic match search")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cases, err := e.Repo.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Requester", "Created"})
				for _, c := range cases {
					tw.AppendRow(table.Row{c.ID, c.Title, c.Status, c.RequesterID, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.RequesterID, "requester", "", "requester filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a case with its variables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				vars, err := e.Repo.ListCaseVariables(ctx, c.ID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"case": c, "variables": vars})
			})
		},
	}
	return cmd
}

func caseSetStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Change case status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				role, err := actorRole(ctx, e, actorID)
				if err != nil {
					return err
				}
				c, err := e.SetCaseStatus(ctx, args[0], strings.ToUpper(status), actorID, role)
				if err != nil {
					return err
				}
				return printJSONOrIndent(c)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func caseClosableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "closable <id>",
		Short: "Check whether a case can be closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetCase(ctx, args[0]); err != nil {
					return err
				}
				vars, err := e.Repo.ListCaseVariables(ctx, args[0])
				if err != nil {
					return err
				}
				ok, reason := engine.CanCloseCase(vars)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"closable": ok, "reason": reason})
				}
				if ok {
					fmt.Println("closable")
				} else {
					fmt.Println("blocked:", reason)
				}
				return nil
			})
		},
	}
	return cmd
}

func caseAddVariableCmd() *cobra.Command {
	var spec string
	var noSearch bool
	cmd := &cobra.Command{
		Use:   "add-variable <case-id>",
		Short: "Add a variable to a draft case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseVariableSpec(spec)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				v, err := e.AddVariable(ctx, args[0], in, actorID)
				if err != nil {
					return err
				}
				if !noSearch {
					if _, err := e.SearchVariable(ctx, v.ID, actorID); err != nil {
						fmt.Fprintf(os.Stderr, "search %s: %v\n", v.Name, err)
					}
				}
				return printJSONOrIndent(v)
			})
		},
	}
	cmd.Flags().StringVar(&spec, "var", "", "variable as name:type[:concept]")
	cmd.Flags().BoolVar(&noSearch, "no-search", false, "skip the automatic match search")
	_ = cmd.MarkFlagRequired("var")
	return cmd
}

func variableCmd() *cobra.Command {
	v := &cobra.Command{
		Use:   "variable",
		Short: "Manage variables",
		Long:  "Variables are the individual fields a case asks for. Matching scores catalog tables against each variable and suggests the best candidates.",
	}
	v.AddCommand(variableShowCmd())
	v.AddCommand(variableSearchCmd())
	v.AddCommand(variableCancelCmd())
	v.AddCommand(variableMatchesCmd())
	return v
}

func variableShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a variable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Repo.GetVariable(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(v)
			})
		},
	}
}

func variableSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <id>",
		Short: "Run or re-run matching for a variable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				matches, err := e.SearchVariable(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printMatches(matches)
			})
		},
	}
}

func variableCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a variable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				role, err := actorRole(ctx, e, actorID)
				if err != nil {
					return err
				}
				v, err := e.CancelVariable(ctx, args[0], actorID, role)
				if err != nil {
					return err
				}
				return printJSONOrIndent(v)
			})
		},
	}
}

func variableMatchesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "matches <id>",
		Short: "List matches for a variable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				matches, err := e.Repo.ListMatches(ctx, args[0])
				if err != nil {
					return err
				}
				return printMatches(matches)
			})
		},
	}
}

func printMatches(matches []domain.VariableMatch) error {
	if viper.GetBool("json") {
		return printJSON(matches)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Table", "Score", "Status", "Justification"})
	for _, m := range matches {
		tw.AppendRow(table.Row{m.ID, m.DataTableID, fmt.Sprintf("%.2f", m.Score), m.Status, m.Justification})
	}
	tw.Render()
	return nil
}

func respondCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "respond",
		Short: "Review matches",
		Long:  "Table owners confirm, correct, reject, or delegate a suggested match. Requesters then approve or reject the confirmed one.",
	}
	r.AddCommand(respondOwnerCmd())
	r.AddCommand(respondRequesterCmd())
	return r
}

func respondOwnerCmd() *cobra.Command {
	var outcome, correctedTable, delegate, comment string
	cmd := &cobra.Command{
		Use:   "owner <match-id>",
		Short: "Record the table owner's review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				resp, err := e.RespondOwner(ctx, engine.OwnerResponseOptions{
					MatchID:          args[0],
					ActorID:          viper.GetString("actor-id"),
					Outcome:          strings.ToUpper(outcome),
					CorrectedTableID: correctedTable,
					DelegateOwnerID:  delegate,
					Comment:          comment,
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(resp)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "CONFIRM_MATCH, CORRECT_TABLE, DATA_NOT_EXIST or DELEGATE_OWNER")
	cmd.Flags().StringVar(&correctedTable, "corrected-table", "", "table id for CORRECT_TABLE")
	cmd.Flags().StringVar(&delegate, "delegate", "", "actor id for DELEGATE_OWNER")
	cmd.Flags().StringVar(&comment, "comment", "", "free-form comment")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func respondRequesterCmd() *cobra.Command {
	var outcome, comment string
	cmd := &cobra.Command{
		Use:   "requester <match-id>",
		Short: "Record the requester's decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				resp, err := e.RespondRequester(ctx, engine.RequesterResponseOptions{
					MatchID: args[0],
					ActorID: viper.GetString("actor-id"),
					Outcome: strings.ToUpper(outcome),
					Comment: comment,
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(resp)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "APPROVE or REJECT_MATCH")
	cmd.Flags().StringVar(&comment, "comment", "", "free-form comment")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func involvementCmd() *cobra.Command {
	iv := &cobra.Command{
		Use:   "involvement",
		Short: "Manage owner involvements",
		Long:  "When an owner says the data does not exist, an involvement tracks their commitment to create it. OVERDUE is derived from the expected date, never stored.",
	}
	iv.AddCommand(involvementListCmd())
	iv.AddCommand(involvementScheduleCmd())
	iv.AddCommand(involvementCompleteCmd())
	iv.AddCommand(involvementSweepCmd())
	return iv
}

func involvementListCmd() *cobra.Command {
	var f repo.InvolvementFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List involvements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListInvolvements(ctx, f)
				if err != nil {
					return err
				}
				now := time.Now().UTC()
				if viper.GetBool("json") {
					type row struct {
						domain.Involvement
						EffectiveStatus string `json:"effective_status"`
					}
					out := make([]row, 0, len(items))
					for _, iv := range items {
						out = append(out, row{iv, engine.EffectiveInvolvementStatus(iv, now)})
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Owner", "Status", "Expected", "Reminders"})
				for _, iv := range items {
					expected := ""
					if iv.ExpectedCompletionAt != nil {
						expected = *iv.ExpectedCompletionAt
					}
					tw.AppendRow(table.Row{iv.ID, iv.OwnerID, engine.EffectiveInvolvementStatus(iv, now), expected, iv.ReminderCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "stored status filter")
	return cmd
}

func involvementScheduleCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "schedule <id>",
		Short: "Set the expected completion date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				iv, err := e.SetInvolvementExpectedDate(ctx, args[0], viper.GetString("actor-id"), date)
				if err != nil {
					return err
				}
				return printJSONOrIndent(iv)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "expected completion date (RFC3339)")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func involvementCompleteCmd() *cobra.Command {
	var tableName, concept string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete an involvement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				iv, err := e.CompleteInvolvement(ctx, args[0], viper.GetString("actor-id"), tableName, concept)
				if err != nil {
					return err
				}
				return printJSONOrIndent(iv)
			})
		},
	}
	cmd.Flags().StringVar(&tableName, "table-name", "", "name of the created table")
	cmd.Flags().StringVar(&concept, "concept", "", "concept of the created table")
	_ = cmd.MarkFlagRequired("table-name")
	_ = cmd.MarkFlagRequired("concept")
	return cmd
}

func involvementSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Send reminders for overdue involvements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SweepOverdueInvolvements(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"reminded": n})
				}
				fmt.Printf("reminded %d owner(s)\n", n)
				return nil
			})
		},
	}
}

func tableCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "table",
		Short: "Manage the catalog",
		Long:  "The catalog is a synced snapshot of the external data dictionary. Tables absent from a sync are deactivated, never deleted.",
	}
	t.AddCommand(tableSyncCmd())
	t.AddCommand(tableListCmd())
	return t
}

// syncFileEntry mirrors domain.DataTable for YAML snapshot files.
type syncFileEntry struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	DisplayName string   `yaml:"display_name" json:"display_name"`
	Description string   `yaml:"description" json:"description"`
	Domain      string   `yaml:"domain" json:"domain"`
	Keywords    []string `yaml:"keywords" json:"keywords"`
	OwnerID     string   `yaml:"owner_id" json:"owner_id"`
}

func loadSnapshot(path string) ([]domain.DataTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []syncFileEntry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	tables := make([]domain.DataTable, 0, len(entries))
	for _, in := range entries {
		tables = append(tables, domain.DataTable{
			ID:          in.ID,
			Name:        in.Name,
			DisplayName: in.DisplayName,
			Description: in.Description,
			Domain:      in.Domain,
			Keywords:    in.Keywords,
			OwnerID:     in.OwnerID,
		})
	}
	return tables, nil
}

func tableSyncCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync a catalog snapshot from file",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := loadSnapshot(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SyncTables(ctx, snapshot, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("synced %d, deactivated %d, failed %d\n", res.Synced, res.Deactivated, res.Failed)
				for _, msg := range res.Errors {
					fmt.Println("  error:", msg)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "snapshot file (.json, .yml or .yaml)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func tableListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.DataTable
					err   error
				)
				if activeOnly {
					items, err = e.Repo.ListActiveTables(ctx)
				} else {
					items, err = e.Repo.ListTables(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Domain", "Owner", "Active"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Domain, t.OwnerID, t.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active tables")
	return cmd
}

func decisionCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "decision",
		Short: "Agent decisions and consensus votes",
		Long:  "Agents record automated decisions with a confidence score. High confidence auto-approves, low confidence auto-rejects, the middle ground opens a consensus vote with a deadline.",
	}
	d.AddCommand(decisionRecordCmd())
	d.AddCommand(decisionShowCmd())
	d.AddCommand(decisionVoteCmd())
	d.AddCommand(decisionStatsCmd())
	return d
}

func decisionRecordCmd() *cobra.Command {
	var agentID, decisionType, contextType, contextJSON, valueJSON string
	var confidence float64
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record an agent decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			var contextData map[string]any
			if contextJSON != "" {
				if err := json.Unmarshal([]byte(contextJSON), &contextData); err != nil {
					return fmt.Errorf("invalid --context-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecordAgentDecision(ctx, engine.DecisionOptions{
					AgentID:      agentID,
					DecisionType: decisionType,
					ContextType:  contextType,
					ContextData:  contextData,
					ValueJSON:    valueJSON,
					Confidence:   confidence,
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent identifier")
	cmd.Flags().StringVar(&decisionType, "type", "", "decision type")
	cmd.Flags().StringVar(&contextType, "context-type", "", "context type")
	cmd.Flags().StringVar(&contextJSON, "context-json", "", "context data JSON object")
	cmd.Flags().StringVar(&valueJSON, "value-json", "", "decision value JSON")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "confidence in [0,1]")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("confidence")
	return cmd
}

func decisionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a decision with its consensus state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, cons, err := e.GetDecision(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"decision": d, "consensus": cons})
			})
		},
	}
}

func decisionVoteCmd() *cobra.Command {
	var approve, reject bool
	var comment string
	cmd := &cobra.Command{
		Use:   "vote <consensus-id>",
		Short: "Cast a consensus vote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Vote(ctx, args[0], viper.GetString("actor-id"), approve, comment)
				if err != nil {
					return err
				}
				return printJSONOrIndent(c)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "vote to approve")
	cmd.Flags().BoolVar(&reject, "reject", false, "vote to reject")
	cmd.Flags().StringVar(&comment, "comment", "", "vote comment")
	return cmd
}

func decisionStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Aggregate decision statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Statistics(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Printf("total decisions: %d\n", stats.Total)
				fmt.Printf("avg confidence:  %.3f\n", stats.AvgConfidence)
				fmt.Printf("reuse rate:      %.3f\n", stats.ReuseRate)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Status", "Count"})
				for _, row := range stats.ByTypeStatus {
					tw.AppendRow(table.Row{row.DecisionType, row.Status, row.Count})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "history",
		Short: "Decision history export and import",
		Long:  "Every owner and requester decision is recorded with point-in-time snapshots. Export feeds scoring and training, import restores a previous export.",
	}
	h.AddCommand(historyExportCmd())
	h.AddCommand(historyImportCmd())
	return h
}

func historyExportCmd() *cobra.Command {
	var f repo.HistoryFilters
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export history records as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.ExportHistory(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(records)
			})
		},
	}
	cmd.Flags().StringVar(&f.DecisionPoint, "decision-point", "", "decision point filter")
	cmd.Flags().StringVar(&f.Outcome, "outcome", "", "outcome filter")
	cmd.Flags().StringVar(&f.CaseID, "case", "", "case filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max records")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "offset")
	return cmd
}

func historyImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import history records from a JSON export",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var records []domain.DecisionHistory
			if err := json.Unmarshal(data, &records); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ImportHistory(ctx, records)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"imported": n})
				}
				fmt.Printf("imported %d record(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSON export")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func roleCmd() *cobra.Command {
	r := &cobra.Command{Use: "role", Short: "Actor roles"}
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Assign a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, _ := cmd.Flags().GetString("actor")
			role, _ := cmd.Flags().GetString("role")
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			role = strings.ToUpper(role)
			if engine.RoleLevel(role) == 0 {
				return fmt.Errorf("unknown role %q", role)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.UpsertActorRole(ctx, actor, role, time.Now().UTC().Format(time.RFC3339))
			})
		},
	}
	grant.Flags().String("actor", "", "actor id")
	grant.Flags().String("role", "", "USER, MANAGER or ADMIN")
	show := &cobra.Command{
		Use:   "show <actor-id>",
		Short: "Show an actor's role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				role, err := r.GetActorRole(ctx, args[0])
				if err != nil {
					return err
				}
				if role == "" {
					role = engine.RoleUser
				}
				return printJSONOrIndent(map[string]string{"actor_id": args[0], "role": role})
			})
		},
	}
	r.AddCommand(grant, show)
	return r
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP server"}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	a.AddCommand(apikeyDeleteCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || key == "" {
				return fmt.Errorf("--actor and --key required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				k := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := e.Repo.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				return printJSONOrIndent(k)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&key, "key", "", "key material (only the hash is stored)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only record of everything that happened: case changes, match suggestions, reviews, reminders, and consensus outcomes.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show events after a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if after == 0 {
					latest, err := e.Repo.LatestEventID(ctx)
					if err != nil {
						return err
					}
					after = latest - int64(n)
					if after < 0 {
						after = 0
					}
				}
				events, err := e.Repo.EventsAfter(ctx, n, after)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Case", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.CaseID, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if _, err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CASEMATCH_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("CASEMATCH_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartNotifier(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Casematch API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (local use only)")
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
	if _, err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// actorRole returns the stored role for the current actor, defaulting to USER.
func actorRole(ctx context.Context, e engine.Engine, actorID string) (string, error) {
	role, err := e.Repo.GetActorRole(ctx, actorID)
	if err != nil {
		return "", err
	}
	if role == "" {
		role = engine.RoleUser
	}
	return role, nil
}

func printJSONOrIndent(v any) error {
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
