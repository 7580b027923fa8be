package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"castline/internal/config"
	"castline/internal/db"
	"castline/internal/domain"
	"castline/internal/engine"
	"castline/internal/migrate"
	"castline/internal/repo"
	"castline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "castline",
	Short: "Castline CLI",
	Long: `Castline tracks precast box manufacturing with inspection checkpoints.
- Workspace: the .castline directory holding the database; project config lives in the DB and is imported from castline.yml.
- Project: owns boxes; a box owns activities; activities carry WIR checkpoints.
- Checkpoints: Work Inspection Requests with a checklist, reviewed pass/fail per item by an inspector.
- Issues: quality defects raised against a box, routed to teams and members.
- Cascade: activity progress rolls up into box status and stamps the project start date automatically.
- Audit: every mutation appends an immutable change record, view with 'castline audit tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
	viper.SetEnvPrefix("CASTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-name", "", "actor display name")
	rootCmd.PersistentFlags().String("role", "", "actor role for permission checks")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-name", rootCmd.PersistentFlags().Lookup("actor-name"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(boxCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(directoryCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func identity() domain.Identity {
	return domain.Identity{
		ActorID: viper.GetString("actor-id"),
		Name:    viper.GetString("actor-name"),
		Role:    viper.GetString("role"),
	}
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var id, name, configFile string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a project and seed its checklist catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			var cfg *config.Config
			if configFile != "" {
				loaded, err := config.FromFile(configFile)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.InitProject(ctx, engine.ProjectInit{ID: id, Name: name, Config: cfg}, identity())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (optional)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&configFile, "config", "", "path to castline.yml (defaults to the built-in template)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "STATUS", "STARTED")
				for _, p := range items {
					t.AppendRow(table.Row{p.ID, p.Name, p.Status, strOrDash(p.ActualStartDate)})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, targetProject(e))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage project config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(&cobra.Command{
		Use:   "template",
		Short: "Print the default castline.yml template",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := viper.GetString("project")
			if id == "" {
				id = "castline"
			}
			fmt.Print(config.GenerateDefault(id))
			return nil
		},
	})
	return cfg
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB and resync the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := cfg.Project.ID
				if projectID == "" {
					projectID = targetProject(e)
				}
				if err := e.Repo.UpsertProjectConfig(ctx, nil, projectID, cfg); err != nil {
					return err
				}
				if err := e.SeedCatalog(ctx, cfg, identity()); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// --- box ---

func boxCmd() *cobra.Command {
	box := &cobra.Command{Use: "box", Short: "Manage boxes"}
	box.AddCommand(boxCreateCmd())
	box.AddCommand(boxListCmd())
	box.AddCommand(boxShowCmd())
	return box
}

func boxCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a box",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBox(ctx, targetProject(e), engine.BoxCreate{ID: id, Name: name}, identity())
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "box id (optional)")
	cmd.Flags().StringVar(&name, "name", "", "box name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func boxListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List boxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListBoxes(ctx, targetProject(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "STATUS", "PROGRESS", "DISPATCHED")
				for _, b := range items {
					t.AppendRow(table.Row{b.ID, b.Name, b.Status, fmt.Sprintf("%.0f%%", b.ProgressPercentage), b.Dispatched})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}

func boxShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <box-id>",
		Short: "Show a box",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.GetBox(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

// --- activity ---

func activityCmd() *cobra.Command {
	act := &cobra.Command{Use: "activity", Short: "Manage activities"}
	act.AddCommand(activityCreateCmd())
	act.AddCommand(activityListCmd())
	act.AddCommand(activityStatusCmd())
	act.AddCommand(activityDeactivateCmd())
	return act
}

func activityCreateCmd() *cobra.Command {
	var id, boxID, name, teamID, memberID string
	var wir bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if boxID == "" || name == "" {
				return fmt.Errorf("--box and --name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateActivity(ctx, boxID, engine.ActivityCreate{
					ID: id, Name: name, IsWIRCheckpoint: wir, TeamID: teamID, MemberID: memberID,
				}, identity())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "activity id (optional)")
	cmd.Flags().StringVar(&boxID, "box", "", "box id")
	cmd.Flags().StringVar(&name, "name", "", "activity name")
	cmd.Flags().BoolVar(&wir, "wir", false, "activity requires a WIR checkpoint")
	cmd.Flags().StringVar(&teamID, "team", "", "assigned team id")
	cmd.Flags().StringVar(&memberID, "member", "", "assigned member id")
	return cmd
}

func activityListCmd() *cobra.Command {
	var boxID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activities in a box",
		RunE: func(cmd *cobra.Command, args []string) error {
			if boxID == "" {
				return fmt.Errorf("--box required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActivities(ctx, boxID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "STATUS", "PROGRESS", "WIR", "ACTIVE")
				for _, a := range items {
					t.AppendRow(table.Row{a.ID, a.Name, a.Status, fmt.Sprintf("%.0f%%", a.ProgressPercentage), a.IsWIRCheckpoint, a.Active})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&boxID, "box", "", "box id")
	return cmd
}

func activityStatusCmd() *cobra.Command {
	var status, work, issues string
	var progress float64
	cmd := &cobra.Command{
		Use:   "status <activity-id>",
		Short: "Update activity status (cascades into box and project)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--status required")
			}
			upd := engine.ActivityStatusUpdate{
				Status:            status,
				WorkDescription:   work,
				IssuesEncountered: issues,
			}
			if cmd.Flags().Changed("progress") {
				upd.Progress = &progress
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateActivityStatus(ctx, args[0], upd, identity())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "not_started, in_progress, completed, on_hold or delayed")
	cmd.Flags().Float64Var(&progress, "progress", 0, "progress percentage 0-100")
	cmd.Flags().StringVar(&work, "work", "", "work performed description")
	cmd.Flags().StringVar(&issues, "issues", "", "issues encountered")
	return cmd
}

func activityDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <activity-id>",
		Short: "Soft-delete an activity and recompute its box",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.DeactivateActivity(ctx, args[0], identity())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

// --- checkpoint ---

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{Use: "checkpoint", Short: "Manage WIR checkpoints"}
	cp.AddCommand(checkpointCreateCmd())
	cp.AddCommand(checkpointShowCmd())
	cp.AddCommand(checkpointListCmd())
	cp.AddCommand(checkpointAddItemsCmd())
	cp.AddCommand(checkpointReviewCmd())
	cp.AddCommand(checklistItemCmd())
	return cp
}

func checkpointCreateCmd() *cobra.Command {
	var id, activityID, name, description, comments, attachment string
	var evidence []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Request an inspection for an activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if activityID == "" {
				return fmt.Errorf("--activity required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCheckpoint(ctx, activityID, engine.CheckpointCreate{
					ID:             id,
					Name:           name,
					Description:    description,
					Comments:       comments,
					AttachmentPath: attachment,
					Evidence:       evidence,
				}, identity())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "checkpoint id (optional)")
	cmd.Flags().StringVar(&activityID, "activity", "", "activity id")
	cmd.Flags().StringVar(&name, "name", "", "checkpoint name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&comments, "comments", "", "request comments")
	cmd.Flags().StringVar(&attachment, "attachment", "", "attachment path")
	cmd.Flags().StringArrayVar(&evidence, "evidence", []string{}, "evidence image path (repeatable)")
	return cmd
}

func checkpointShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <checkpoint-id>",
		Short: "Show a checkpoint with checklist and evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCheckpoint(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("Checkpoint %s (%s) status=%s requested_by=%s\n", c.ID, c.Name, c.Status, c.RequestedBy)
				t := newTable("SEQ", "DESCRIPTION", "STATUS", "REMARKS", "CATALOG")
				for _, it := range c.Items {
					t.AppendRow(table.Row{it.Sequence, it.Description, it.Status, strOrDash(it.Remarks), strOrDash(it.CatalogItemID)})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}

func checkpointListCmd() *cobra.Command {
	var activityID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints for an activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if activityID == "" {
				return fmt.Errorf("--activity required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCheckpoints(ctx, activityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "STATUS", "REQUESTED", "INSPECTOR")
				for _, c := range items {
					t.AppendRow(table.Row{c.ID, c.Name, c.Status, c.RequestedDate, strOrDash(c.InspectorName)})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&activityID, "activity", "", "activity id")
	return cmd
}

func checkpointAddItemsCmd() *cobra.Command {
	var checkpointID string
	var catalogIDs []string
	var descriptions []string
	var reference string
	cmd := &cobra.Command{
		Use:   "add-items",
		Short: "Append checklist items (free-form or from the catalog)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if checkpointID == "" {
				return fmt.Errorf("--checkpoint required")
			}
			if len(catalogIDs) == 0 && len(descriptions) == 0 {
				return fmt.Errorf("--catalog-id or --item required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var c domain.Checkpoint
				var err error
				if len(catalogIDs) > 0 {
					c, err = e.AddChecklistItemsFromCatalog(ctx, checkpointID, catalogIDs, identity())
				} else {
					items := make([]engine.ChecklistItemInput, 0, len(descriptions))
					for i, d := range descriptions {
						items = append(items, engine.ChecklistItemInput{Description: d, ReferenceDocument: reference, Sequence: i + 1})
					}
					c, err = e.AddChecklistItems(ctx, checkpointID, items, identity())
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "checkpoint id")
	cmd.Flags().StringArrayVar(&catalogIDs, "catalog-id", []string{}, "catalog entry id (repeatable)")
	cmd.Flags().StringArrayVar(&descriptions, "item", []string{}, "free-form item description (repeatable)")
	cmd.Flags().StringVar(&reference, "reference", "", "reference document for free-form items")
	return cmd
}

func checkpointReviewCmd() *cobra.Command {
	var checkpointID, status, inspectorName, inspectorRole, comments string
	var results []string
	var evidence []string
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Record an inspection outcome",
		Long:  "Item results use item-id=status[:remarks], e.g. --item 4f2=fail:'cover below spec'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if checkpointID == "" || status == "" {
				return fmt.Errorf("--checkpoint and --status required")
			}
			items := make([]engine.ItemResult, 0, len(results))
			for _, raw := range results {
				res, err := parseItemResult(raw)
				if err != nil {
					return err
				}
				items = append(items, res)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ReviewCheckpoint(ctx, checkpointID, engine.CheckpointReview{
					FinalStatus:   status,
					Items:         items,
					InspectorName: inspectorName,
					InspectorRole: inspectorRole,
					Comments:      comments,
					Evidence:      evidence,
				}, identity())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "checkpoint id")
	cmd.Flags().StringVar(&status, "status", "", "approved, rejected or conditional_approval")
	cmd.Flags().StringArrayVar(&results, "item", []string{}, "item result item-id=status[:remarks] (repeatable)")
	cmd.Flags().StringVar(&inspectorName, "inspector", "", "inspector name")
	cmd.Flags().StringVar(&inspectorRole, "inspector-role", "", "inspector role")
	cmd.Flags().StringVar(&comments, "comments", "", "review comments")
	cmd.Flags().StringArrayVar(&evidence, "evidence", []string{}, "evidence image path (repeatable)")
	return cmd
}

func parseItemResult(raw string) (engine.ItemResult, error) {
	eq := strings.Index(raw, "=")
	if eq <= 0 {
		return engine.ItemResult{}, fmt.Errorf("invalid --item %q, want item-id=status[:remarks]", raw)
	}
	res := engine.ItemResult{ItemID: raw[:eq]}
	rest := raw[eq+1:]
	if colon := strings.Index(rest, ":"); colon >= 0 {
		res.Status = rest[:colon]
		res.Remarks = rest[colon+1:]
	} else {
		res.Status = rest
	}
	return res, nil
}

func checklistItemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage checklist items"}

	var description, reference, status, remarks string
	var sequence int
	update := &cobra.Command{
		Use:   "update <item-id>",
		Short: "Update a checklist item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.ChecklistItemPatch
			if cmd.Flags().Changed("description") {
				patch.Description = &description
			}
			if cmd.Flags().Changed("reference") {
				patch.ReferenceDocument = &reference
			}
			if cmd.Flags().Changed("status") {
				patch.Status = &status
			}
			if cmd.Flags().Changed("remarks") {
				patch.Remarks = &remarks
			}
			if cmd.Flags().Changed("sequence") {
				patch.Sequence = &sequence
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.UpdateChecklistItem(ctx, args[0], patch, identity())
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	update.Flags().StringVar(&description, "description", "", "description")
	update.Flags().StringVar(&reference, "reference", "", "reference document")
	update.Flags().StringVar(&status, "status", "", "pending, pass or fail")
	update.Flags().StringVar(&remarks, "remarks", "", "remarks")
	update.Flags().IntVar(&sequence, "sequence", 0, "display sequence")
	item.AddCommand(update)

	item.AddCommand(&cobra.Command{
		Use:   "delete <item-id>",
		Short: "Delete a checklist item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteChecklistItem(ctx, args[0], identity())
			})
		},
	})
	return item
}

// --- issue ---

func issueCmd() *cobra.Command {
	issue := &cobra.Command{Use: "issue", Short: "Manage quality issues"}
	issue.AddCommand(issueCreateCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueShowCmd())
	issue.AddCommand(issueStatusCmd())
	issue.AddCommand(issueAssignCmd())
	return issue
}

func issueCreateCmd() *cobra.Command {
	var in engine.IssueCreate
	var boxID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Raise a quality issue against a box",
		RunE: func(cmd *cobra.Command, args []string) error {
			if boxID == "" {
				return fmt.Errorf("--box required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				qi, err := e.CreateQualityIssue(ctx, boxID, in, identity())
				if err != nil {
					return err
				}
				return printJSONOrTable(qi)
			})
		},
	}
	cmd.Flags().StringVar(&boxID, "box", "", "box id")
	cmd.Flags().StringVar(&in.CheckpointID, "checkpoint", "", "related checkpoint id")
	cmd.Flags().StringVar(&in.IssueType, "type", "", "issue type")
	cmd.Flags().StringVar(&in.Severity, "severity", "medium", "low, medium, high or critical")
	cmd.Flags().StringVar(&in.Description, "description", "", "issue description")
	cmd.Flags().StringVar(&in.TeamID, "team", "", "assigned team id")
	cmd.Flags().StringVar(&in.MemberID, "member", "", "assigned member id")
	cmd.Flags().StringVar(&in.CCUserID, "cc", "", "cc user id")
	cmd.Flags().StringVar(&in.DueDate, "due", "", "due date (RFC3339)")
	cmd.Flags().StringVar(&in.Evidence, "evidence", "", "evidence path or url")
	return cmd
}

func issueListCmd() *cobra.Command {
	var f repo.IssueFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quality issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListQualityIssues(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "BOX", "TYPE", "SEVERITY", "STATUS", "ASSIGNED")
				for _, qi := range items {
					t.AppendRow(table.Row{qi.ID, qi.BoxID, qi.IssueType, qi.Severity, qi.Status, strOrDash(qi.MemberID)})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BoxID, "box", "", "filter by box")
	cmd.Flags().StringVar(&f.CheckpointID, "checkpoint", "", "filter by checkpoint")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&f.Severity, "severity", "", "filter by severity")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func issueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <issue-id>",
		Short: "Show a quality issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				qi, err := e.GetQualityIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(qi)
			})
		},
	}
}

func issueStatusCmd() *cobra.Command {
	var status, resolution, evidence string
	cmd := &cobra.Command{
		Use:   "status <issue-id>",
		Short: "Update issue status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--status required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				qi, err := e.UpdateQualityIssueStatus(ctx, args[0], engine.IssueStatusUpdate{
					Status:                status,
					ResolutionDescription: resolution,
					Evidence:              evidence,
				}, identity())
				if err != nil {
					return err
				}
				return printJSONOrTable(qi)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "open, in_progress, resolved or closed")
	cmd.Flags().StringVar(&resolution, "resolution", "", "resolution description (required for resolved/closed)")
	cmd.Flags().StringVar(&evidence, "evidence", "", "evidence path or url")
	return cmd
}

func issueAssignCmd() *cobra.Command {
	var teamID, memberID, ccUserID string
	cmd := &cobra.Command{
		Use:   "assign <issue-id>",
		Short: "Assign an issue to a team and member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				qi, err := e.AssignQualityIssue(ctx, args[0], teamID, memberID, ccUserID, identity())
				if err != nil {
					return err
				}
				return printJSONOrTable(qi)
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team id")
	cmd.Flags().StringVar(&memberID, "member", "", "member user id")
	cmd.Flags().StringVar(&ccUserID, "cc", "", "cc user id")
	return cmd
}

// --- catalog ---

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{Use: "catalog", Short: "Predefined checklist catalog"}
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List catalog entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCatalogItems(ctx, !all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "SEQ", "DESCRIPTION", "REFERENCE", "ACTIVE")
				for _, it := range items {
					t.AppendRow(table.Row{it.ID, it.Sequence, it.Description, strOrDash(it.ReferenceDocument), it.Active})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include inactive entries")
	cat.AddCommand(list)
	cat.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Resync catalog entries from the stored project config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SeedCatalog(ctx, e.Config, identity())
			})
		},
	})
	return cat
}

// --- directory ---

func directoryCmd() *cobra.Command {
	dir := &cobra.Command{Use: "directory", Short: "Users and teams for assignment"}

	var userID, userName, userRole string
	userAdd := &cobra.Command{
		Use:   "add-user",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userName == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, domain.User{ID: userID, Name: userName, Role: userRole})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	userAdd.Flags().StringVar(&userID, "id", "", "user id (optional)")
	userAdd.Flags().StringVar(&userName, "name", "", "display name")
	userAdd.Flags().StringVar(&userRole, "role", "", "role")
	dir.AddCommand(userAdd)

	var teamID, teamName string
	var members []string
	teamAdd := &cobra.Command{
		Use:   "add-team",
		Short: "Register a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamName == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTeam(ctx, domain.Team{ID: teamID, Name: teamName}, members)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	teamAdd.Flags().StringVar(&teamID, "id", "", "team id (optional)")
	teamAdd.Flags().StringVar(&teamName, "name", "", "team name")
	teamAdd.Flags().StringArrayVar(&members, "member", []string{}, "member user id (repeatable)")
	dir.AddCommand(teamAdd)

	var mTeam, mUser string
	memberAdd := &cobra.Command{
		Use:   "add-member",
		Short: "Add a user to a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mTeam == "" || mUser == "" {
				return fmt.Errorf("--team and --user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AddTeamMember(ctx, mTeam, mUser)
			})
		},
	}
	memberAdd.Flags().StringVar(&mTeam, "team", "", "team id")
	memberAdd.Flags().StringVar(&mUser, "user", "", "user id")
	dir.AddCommand(memberAdd)
	return dir
}

// --- audit ---

func auditCmd() *cobra.Command {
	aud := &cobra.Command{Use: "audit", Short: "Audit trail"}
	var f repo.AuditFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				recs, err := r.ListAuditRecords(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				t := newTable("ID", "TS", "TABLE", "RECORD", "ACTION", "ACTOR", "DESCRIPTION")
				for _, rec := range recs {
					t.AppendRow(table.Row{rec.ID, rec.TS, rec.TableName, rec.RecordID, rec.Action, rec.ActorID, rec.Description})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	tail.Flags().StringVar(&f.TableName, "table", "", "filter by table")
	tail.Flags().StringVar(&f.RecordID, "record", "", "filter by record id")
	tail.Flags().StringVar(&f.ActorID, "actor", "", "filter by actor")
	tail.Flags().IntVar(&f.Limit, "n", 20, "number of records")
	tail.Flags().Int64Var(&f.Cursor, "cursor", 0, "page backwards from this record id")
	aud.AddCommand(tail)
	return aud
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			secret := uuid.NewString()
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				k := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				fmt.Printf("api key %s created for %s\nsecret (store it now): %s\n", k.ID, actorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "key label")
	key.AddCommand(create)

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				t := newTable("ID", "ACTOR", "NAME", "CREATED")
				for _, k := range keys {
					t.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "filter by actor")
	key.AddCommand(list)

	key.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return key
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := resolveConfig(cmd.Context(), repo.Repo{DB: conn}, workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "server").Logger()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CASTLINE_JWT_SECRET"), Logger: logger}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CASTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving Castline API")
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

// resolveConfig prefers the DB-stored project config, then castline.yml in
// the workspace, then the built-in default.
func resolveConfig(ctx context.Context, r repo.Repo, workspace string) (*config.Config, error) {
	projectID := strings.TrimSpace(viper.GetString("project"))
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if projectID == "" && fileCfg != nil {
		projectID = fileCfg.Project.ID
	}
	if projectID == "" {
		projectID = "castline"
	}
	if dbCfg, err := r.GetProjectConfig(ctx, projectID); err == nil {
		return dbCfg, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if fileCfg != nil {
		return fileCfg, nil
	}
	return config.Default(projectID), nil
}

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
	cfg, err := resolveConfig(ctx, repo.Repo{DB: conn}, workspace)
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
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func targetProject(e engine.Engine) string {
	if p := strings.TrimSpace(viper.GetString("project")); p != "" {
		return p
	}
	return e.Config.Project.ID
}

func newTable(columns ...any) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(columns))
	return t
}

func strOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
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
