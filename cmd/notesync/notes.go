package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/notesync/internal/models"
)

var notesCmd = &cobra.Command{
	Use:     "notes",
	Aliases: []string{"note"},
	Short:   "List and edit notes",
	Long: `Notes reads and writes the local cache. Changes are sent to the server
right away when it is reachable and queued for the sync worker otherwise.
Notes the server has not confirmed yet carry a negative id.`,
}

var notesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List cached notes",
	Args:    cobra.NoArgs,
	RunE:    runNotesList,
}

var notesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a note",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotesShow,
}

var notesCreateCmd = &cobra.Command{
	Use:     "create",
	Short:   "Create a note",
	Args:    cobra.NoArgs,
	Example: `  notesync notes create --title "Groceries" --description "milk, eggs"`,
	RunE:    runNotesCreate,
}

var notesUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Replace a note's title and description",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotesUpdate,
}

var notesDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a note",
	Args:    cobra.ExactArgs(1),
	RunE:    runNotesDelete,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Replace the local cache with the server's notes",
	Args:  cobra.NoArgs,
	RunE:  runRefresh,
}

var (
	noteTitle       string
	noteDescription string
)

func init() {
	notesCmd.AddCommand(notesListCmd, notesShowCmd, notesCreateCmd, notesUpdateCmd, notesDeleteCmd)
	rootCmd.AddCommand(notesCmd, refreshCmd)

	for _, cmd := range []*cobra.Command{notesCreateCmd, notesUpdateCmd} {
		cmd.Flags().StringVarP(&noteTitle, "title", "t", "", "Note title (required)")
		cmd.Flags().StringVarP(&noteDescription, "description", "d", "", "Note body")
		_ = cmd.MarkFlagRequired("title")
	}
}

func runNotesList(cmd *cobra.Command, _ []string) error {
	list, err := apiClient.Notes.Notes(cmd.Context())
	if err != nil {
		return fail(err, "List notes")
	}
	if list == nil {
		list = []models.Note{}
	}

	render(list, func() {
		if len(list) == 0 {
			printDim("No notes. Run 'notesync refresh' to fetch from the server.")
			return
		}
		for _, n := range list {
			printNoteLine(n)
		}
		printDim("%d note(s)", len(list))
	})
	return nil
}

func runNotesShow(cmd *cobra.Command, args []string) error {
	id, err := parseNoteID(args[0])
	if err != nil {
		return err
	}

	note, err := apiClient.Notes.Note(cmd.Context(), apiClient.Notes.Resolve(id))
	if err != nil {
		return fail(err, "Show note %d", id)
	}

	render(note, func() {
		printNoteLine(note)
		if note.Description != "" {
			printLine("")
			printLine("%s", note.Description)
			printLine("")
		}
		if note.CreatorUsername != "" {
			printDim("by %s", note.CreatorUsername)
		}
		if !note.UpdatedAt.IsZero() {
			printDim("updated %s", note.UpdatedAt.Local().Format(time.DateTime))
		}
	})
	return nil
}

func runNotesCreate(cmd *cobra.Command, _ []string) error {
	note, err := apiClient.Notes.Create(cmd.Context(), noteTitle, noteDescription)
	if err != nil && !models.IsSessionEnded(err) {
		return fail(err, "Create note")
	}

	render(note, func() {
		if note.Pending {
			printWarning("Saved locally as %d, queued for sync", note.ID)
		} else {
			printSuccess("Created note %d", note.ID)
		}
		if err != nil {
			printWarning("Session ended, run 'notesync login' to sync queued changes")
		}
	})
	return nil
}

func runNotesUpdate(cmd *cobra.Command, args []string) error {
	id, err := parseNoteID(args[0])
	if err != nil {
		return err
	}

	note, err := apiClient.Notes.Update(cmd.Context(), id, noteTitle, noteDescription)
	if err != nil && !models.IsSessionEnded(err) {
		return fail(err, "Update note %d", id)
	}

	render(note, func() {
		if note.Pending {
			printWarning("Updated note %d locally, queued for sync", note.ID)
		} else {
			printSuccess("Updated note %d", note.ID)
		}
		if err != nil {
			printWarning("Session ended, run 'notesync login' to sync queued changes")
		}
	})
	return nil
}

func runNotesDelete(cmd *cobra.Command, args []string) error {
	id, err := parseNoteID(args[0])
	if err != nil {
		return err
	}

	queued := false
	err = apiClient.Notes.Delete(cmd.Context(), id)
	if models.IsSessionEnded(err) {
		queued = true
	} else if err != nil {
		return fail(err, "Delete note %d", id)
	}

	render(map[string]interface{}{
		"success": true,
		"id":      id,
	}, func() {
		printSuccess("Deleted note %d", id)
		if queued {
			printWarning("Session ended, run 'notesync login' to sync queued changes")
		}
	})
	return nil
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	err := apiClient.Notes.Refresh(ctx)
	offline := errors.Is(err, models.ErrOffline)
	if err != nil && !offline {
		return fail(err, "Refresh")
	}

	list, err := apiClient.Notes.Notes(ctx)
	if err != nil {
		return fail(err, "List notes")
	}

	render(map[string]interface{}{
		"success": !offline,
		"offline": offline,
		"notes":   len(list),
	}, func() {
		if offline {
			printWarning("Server unreachable, showing %d cached note(s)", len(list))
			return
		}
		printSuccess("Refreshed %d note(s)", len(list))
	})
	return nil
}

func printNoteLine(n models.Note) {
	marker := " "
	if n.Pending {
		marker = warningColor.Sprint("*")
	}
	fmt.Printf("%s %s  %s\n", marker, infoColor.Sprintf("%8d", n.ID), n.Title)
}

func parseNoteID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid note id %q", s)
	}
	return id, nil
}
