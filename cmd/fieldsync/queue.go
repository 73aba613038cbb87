package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var queueClearForce bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in processing order",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process every due operation once",
	Args:  cobra.NoArgs,
	RunE:  runQueueDrain,
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <item-id>",
	Short: "Remove one queued operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRemove,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued operation",
	Long:  "Drop every queued operation without sending it. Requires --force or interactive confirmation.",
	Args:  cobra.NoArgs,
	RunE:  runQueueClear,
}

func init() {
	queueClearCmd.Flags().BoolVar(&queueClearForce, "force", false,
		"Skip confirmation prompt")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueClearCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(app)

	items := app.Queue().Items()

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"items": items,
			"total": len(items),
		})
	}

	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tTYPE\tPRIORITY\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			it.ID,
			it.Type,
			it.Priority,
			it.Attempts,
			formatTime(it.NextAttemptAt),
			orDash(it.LastError),
		)
	}
	w.Flush()
	return nil
}

func runQueueDrain(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(app)

	sum, err := app.Queue().ProcessQueue(cmd.Context())
	if err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"succeeded": sum.Succeeded,
			"retrying":  sum.Retrying,
			"failed":    sum.Failed,
			"skipped":   sum.Skipped,
			"deferred":  sum.Deferred,
			"remaining": app.Queue().Len(),
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Succeeded: %d  Retrying: %d  Failed: %d  Skipped: %d  Deferred: %d  Remaining: %d\n",
		sum.Succeeded, sum.Retrying, sum.Failed, sum.Skipped, sum.Deferred, app.Queue().Len())
	return nil
}

func runQueueRemove(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(app)

	if err := app.Queue().Remove(cmd.Context(), args[0]); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"id": args[0], "removed": true})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(app)

	n := app.Queue().Len()
	if !queueClearForce {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "WARNING: This will drop %d queued operations without sending them.\n", n)
		fmt.Fprint(errOut, "Type 'clear' to confirm: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(input) != "clear" {
			fmt.Fprintln(errOut, "Aborted.")
			return nil
		}
	}

	if err := app.Queue().Clear(cmd.Context()); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"cleared": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d operations\n", n)
	return nil
}
