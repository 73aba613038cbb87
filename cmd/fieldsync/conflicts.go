package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hyperengineering/fieldsync/internal/conflict"
	"github.com/hyperengineering/fieldsync/internal/types"
	"github.com/spf13/cobra"
)

var (
	conflictsAll bool
	resolveSide  string
	resolveValue string
	resolveNotes string
	resolveBy    string
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve recorded conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts awaiting resolution",
	Args:  cobra.NoArgs,
	RunE:  runConflictsList,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a conflict manually",
	Long: "Resolve a conflict by keeping the client or server copy, or by supplying a custom value " +
		"as inline JSON or @file. The queued write retries with the resolution.",
	Args: cobra.ExactArgs(1),
	RunE: runConflictsResolve,
}

func init() {
	conflictsListCmd.Flags().BoolVar(&conflictsAll, "all", false,
		"Include resolved conflicts")

	conflictsResolveCmd.Flags().StringVar(&resolveSide, "side", "",
		"Resolution side: client, server or custom")
	conflictsResolveCmd.Flags().StringVar(&resolveValue, "value", "",
		"Custom entity JSON, or @path to read it from a file")
	conflictsResolveCmd.Flags().StringVar(&resolveNotes, "notes", "",
		"Notes recorded with the resolution")
	conflictsResolveCmd.Flags().StringVar(&resolveBy, "by", "",
		"Who resolved the conflict (defaults to the configured user)")
	_ = conflictsResolveCmd.MarkFlagRequired("side")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(app)

	var list []conflict.Conflict
	if conflictsAll {
		list = app.Conflicts().Conflicts()
	} else {
		list = app.Conflicts().Pending()
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"conflicts": list,
			"total":     len(list),
		})
	}

	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conflicts found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tKIND\tENTITY\tSTRATEGY\tFIELDS\tDETECTED\tRESOLVED")
	for _, c := range list {
		resolved := "-"
		if c.Resolved {
			resolved = string(c.ResolutionSide)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID,
			c.EntityKind,
			c.EntityID,
			c.Strategy,
			orDash(strings.Join(c.Fields, ",")),
			formatTime(&c.DetectedAt),
			resolved,
		)
	}
	w.Flush()
	return nil
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	choice := conflict.Choice{
		Side:  conflict.Side(resolveSide),
		By:    resolveBy,
		Notes: resolveNotes,
	}
	if resolveValue != "" {
		v, err := parseEntityArg(resolveValue)
		if err != nil {
			return err
		}
		choice.Value = v
	}

	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(app)

	if choice.By == "" {
		choice.By = app.UserID()
	}
	c, err := app.Conflicts().ResolveConflict(cmd.Context(), args[0], choice)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), c)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s (%s %s) with %s copy\n",
		c.ID, c.EntityKind, c.EntityID, c.ResolutionSide)
	return nil
}

// parseEntityArg decodes inline JSON or, with a leading @, a JSON file.
func parseEntityArg(s string) (types.Entity, error) {
	data := []byte(s)
	if path, ok := strings.CutPrefix(s, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read value: %w", err)
		}
		data = b
	}
	var e types.Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse value: %w", err)
	}
	return e, nil
}
