package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/taskdav/internal/schema"
	"github.com/mschirtzinger/taskdav/internal/store"
	"github.com/mschirtzinger/taskdav/internal/ui"
)

// withStore opens the task store for one command.
func withStore(fn func(db *store.DB) error) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	db, err := openStore(settings)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "tasks",
	Short:   "Manage local tasks",
	Long: `Create, edit and remove local tasks.

Every change marks the task dirty; the next sync pushes it to the server.
Removing a task that was already synced leaves a tombstone until the
server confirms the deletion.`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>...",
	Short: "Add a task",
	Example: `  taskdav task add Buy milk
  taskdav task add "File report" --due "friday 5pm" --priority 1 --tag work`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()
		task := schema.NewTask(strings.Join(args, " "), now)
		if err := applyTaskFlags(cmd, task, now); err != nil {
			return err
		}
		if err := task.Validate(); err != nil {
			return err
		}

		return withStore(func(db *store.DB) error {
			if err := db.AddTask(cmd.Context(), task); err != nil {
				return err
			}
			view := ui.NewTaskView(task)
			return emit(cmd, view, func(r *ui.Renderer) string {
				return fmt.Sprintf("Added task %d\n", task.ID)
			})
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		tag, _ := cmd.Flags().GetString("tag")
		limit, _ := cmd.Flags().GetInt("limit")

		return withStore(func(db *store.DB) error {
			tasks, err := db.ListVisible(cmd.Context(), store.ListFilter{
				IncludeCompleted: all,
				Tag:              tag,
				Limit:            limit,
			})
			if err != nil {
				return err
			}
			return emit(cmd, ui.NewTaskViews(tasks), func(r *ui.Renderer) string { return r.Tasks(tasks) })
		})
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a task completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		undo, _ := cmd.Flags().GetBool("undo")

		return withStore(func(db *store.DB) error {
			task, err := db.EditTask(cmd.Context(), id, func(t *schema.Task) error {
				t.SetCompleted(!undo, time.Now())
				return nil
			})
			if err != nil {
				return err
			}
			return emit(cmd, ui.NewTaskView(task), func(r *ui.Renderer) string { return r.Tasks([]*schema.Task{task}) })
		})
	},
}

var taskEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change a task's fields",
	Example: `  taskdav task edit 7 --title "Buy oat milk"
  taskdav task edit 7 --due "" --tag home --tag errands`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		return withStore(func(db *store.DB) error {
			task, err := db.EditTask(cmd.Context(), id, func(t *schema.Task) error {
				if cmd.Flags().Changed("title") {
					title, _ := cmd.Flags().GetString("title")
					t.Title = strings.TrimSpace(title)
				}
				if err := applyTaskFlags(cmd, t, time.Now()); err != nil {
					return err
				}
				return t.Validate()
			})
			if err != nil {
				return err
			}
			return emit(cmd, ui.NewTaskView(task), func(r *ui.Renderer) string { return r.Tasks([]*schema.Task{task}) })
		})
	},
}

var taskRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Remove a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		return withStore(func(db *store.DB) error {
			deleted, err := db.RemoveTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			result := map[string]interface{}{"id": id, "pending_remote_delete": !deleted}
			return emit(cmd, result, func(r *ui.Renderer) string {
				if deleted {
					return fmt.Sprintf("Removed task %d\n", id)
				}
				return fmt.Sprintf("Removed task %d (deleted from the server on next sync)\n", id)
			})
		})
	},
}

var taskExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export tasks as JSONL",
	Long: `Write every task (completed ones included) as one JSON object per line.
Without a file argument the tasks are written to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(db *store.DB) error {
			tasks, err := db.ListVisible(cmd.Context(), store.ListFilter{IncludeCompleted: true})
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return schema.WriteJSONL(cmd.OutOrStdout(), tasks)
			}
			if err := schema.WriteJSONLFile(args[0], tasks); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d tasks to %s\n", len(tasks), args[0])
			return nil
		})
	},
}

var taskImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import tasks from JSONL",
	Long: `Merge tasks from a JSONL file by uid. New uids are added; existing ones
are overwritten. Imported tasks are pushed on the next sync.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var tasks []*schema.Task
		var err error
		if args[0] == "-" {
			tasks, err = schema.ReadJSONL(os.Stdin)
		} else {
			tasks, err = schema.ReadJSONLFile(args[0])
		}
		if err != nil {
			return err
		}

		return withStore(func(db *store.DB) error {
			result, err := db.ImportTasks(cmd.Context(), tasks)
			if err != nil {
				return err
			}
			return emit(cmd, map[string]int{
				"created": result.Created,
				"updated": result.Updated,
				"skipped": result.Skipped,
			}, func(r *ui.Renderer) string {
				return fmt.Sprintf("Imported: %d created, %d updated, %d skipped\n",
					result.Created, result.Updated, result.Skipped)
			})
		})
	},
}

// applyTaskFlags copies the shared add/edit flags that were set onto t.
func applyTaskFlags(cmd *cobra.Command, t *schema.Task, now time.Time) error {
	flags := cmd.Flags()

	if flags.Changed("description") {
		t.Description, _ = flags.GetString("description")
	}
	if flags.Changed("location") {
		t.Location, _ = flags.GetString("location")
	}
	if flags.Changed("due") {
		s, _ := flags.GetString("due")
		if strings.TrimSpace(s) == "" {
			t.DueAt = nil
		} else {
			due, err := parseDue(s, now)
			if err != nil {
				return err
			}
			t.DueAt = &due
		}
	}
	if flags.Changed("priority") {
		p, _ := flags.GetInt("priority")
		if p == 0 {
			t.Priority = nil
		} else {
			t.Priority = &p
		}
	}
	if flags.Changed("tag") {
		tags, _ := flags.GetStringSlice("tag")
		t.Tags = tags
	}
	if flags.Changed("reminder") {
		t.ReminderOffsetMinutes, _ = flags.GetInt("reminder")
	}
	return nil
}

func addTaskFlags(cmd *cobra.Command) {
	cmd.Flags().String("description", "", "Task description")
	cmd.Flags().String("location", "", "Task location")
	cmd.Flags().String("due", "", `Due date: RFC 3339, "2006-01-02" or natural language ("tomorrow 5pm")`)
	cmd.Flags().Int("priority", 0, "Priority 1 (highest) to 9, 0 for none")
	cmd.Flags().StringSlice("tag", nil, "Category tag (repeatable)")
	cmd.Flags().Int("reminder", 0, "Reminder offset in minutes before due, 0 for none")
}

func init() {
	addTaskFlags(taskAddCmd)
	addTaskFlags(taskEditCmd)
	taskEditCmd.Flags().String("title", "", "New title")

	taskListCmd.Flags().BoolP("all", "a", false, "Include completed tasks")
	taskListCmd.Flags().String("tag", "", "Only tasks with this tag")
	taskListCmd.Flags().IntP("limit", "n", 0, "Maximum number of tasks (0 = all)")

	taskDoneCmd.Flags().Bool("undo", false, "Mark the task not completed")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskDoneCmd)
	taskCmd.AddCommand(taskEditCmd)
	taskCmd.AddCommand(taskRmCmd)
	taskCmd.AddCommand(taskExportCmd)
	taskCmd.AddCommand(taskImportCmd)
	rootCmd.AddCommand(taskCmd)
}
