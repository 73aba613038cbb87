package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hyperengineering/fieldsync/internal/types"
	"github.com/spf13/cobra"
)

var docKind string

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Inspect local room documents",
}

var docListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rooms with a saved document",
	Args:  cobra.NoArgs,
	RunE:  runDocList,
}

var docShowCmd = &cobra.Command{
	Use:   "show <room-id>",
	Short: "Print the entities of a room document",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocShow,
}

func init() {
	docShowCmd.Flags().StringVar(&docKind, "kind", "",
		"Only show entities of this kind")

	docCmd.AddCommand(docListCmd)
	docCmd.AddCommand(docShowCmd)
}

func runDocList(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(app)

	ids, err := app.Rooms().Persisted(cmd.Context())
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	sort.Strings(ids)

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"rooms": ids,
			"total": len(ids),
		})
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No rooms found.")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func runDocShow(cmd *cobra.Command, args []string) error {
	kinds := types.EntityKinds
	if docKind != "" {
		k := types.EntityKind(docKind)
		if !k.Valid() {
			return fmt.Errorf("unknown entity kind %q", docKind)
		}
		kinds = []types.EntityKind{k}
	}

	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(app)

	doc, err := app.Document(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := make(map[types.EntityKind]map[string]types.Entity, len(kinds))
	for _, k := range kinds {
		all, err := doc.GetAll(k)
		if err != nil {
			return err
		}
		if len(all) > 0 {
			out[k] = all
		}
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"room":     args[0],
			"entities": out,
		})
	}

	if len(out) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Document is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "KIND\tID\tFIELDS")
	for _, k := range kinds {
		ids := make([]string, 0, len(out[k]))
		for id := range out[k] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			data, err := json.Marshal(out[k][id])
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", k, id, data)
		}
	}
	w.Flush()
	return nil
}
