package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mlowden/strand/internal/models"
)

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Manage conversation threads",
}

var threadNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a new thread",
	RunE:  runThreadNew,
}

var threadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads",
	RunE:  runThreadList,
}

var threadShowCmd = &cobra.Command{
	Use:   "show [thread-id]",
	Short: "Show thread details",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadShow,
}

var threadDeleteCmd = &cobra.Command{
	Use:   "delete [thread-id]",
	Short: "Delete a thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadDelete,
}

var threadModeCmd = &cobra.Command{
	Use:   "mode [thread-id] [auto|chat_only]",
	Short: "Switch a thread's execution mode",
	Args:  cobra.ExactArgs(2),
	RunE:  runThreadMode,
}

var threadSettingsCmd = &cobra.Command{
	Use:   "settings [thread-id]",
	Short: "Update a thread's settings",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadSettings,
}

var (
	threadTitle    string
	contextMode    string
	contextWindow  int
	systemTerminal string
)

func init() {
	threadCmd.AddCommand(threadNewCmd, threadListCmd, threadShowCmd, threadDeleteCmd, threadModeCmd, threadSettingsCmd)

	threadNewCmd.Flags().StringVar(&threadTitle, "title", "", "Thread title")

	threadSettingsCmd.Flags().StringVar(&contextMode, "context-mode", "", "Context mode (smart, window, full)")
	threadSettingsCmd.Flags().IntVar(&contextWindow, "context-window", 0, "Context window size")
	threadSettingsCmd.Flags().StringVar(&systemTerminal, "system-terminal", "", "Enable system terminal (true/false)")
}

func runThreadNew(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/threads", map[string]string{"title": threadTitle})
	if err != nil {
		return err
	}

	var thread models.Thread
	if err := json.Unmarshal(resp, &thread); err != nil {
		return err
	}

	fmt.Printf("Created thread: %s\n", thread.ID)
	return nil
}

func runThreadList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/threads")
	if err != nil {
		return err
	}

	var threads []models.Thread
	if err := json.Unmarshal(resp, &threads); err != nil {
		return err
	}

	if len(threads) == 0 {
		fmt.Println("No threads found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMODE\tTASKS\tUPDATED")
	for _, t := range threads {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			truncateID(t.ID), truncateStr(t.Title, 40), t.Mode, len(t.TaskIDs),
			t.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func runThreadShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/threads/" + args[0])
	if err != nil {
		return err
	}

	var thread models.Thread
	if err := json.Unmarshal(resp, &thread); err != nil {
		return err
	}

	fmt.Printf("ID:             %s\n", thread.ID)
	fmt.Printf("Title:          %s\n", thread.Title)
	fmt.Printf("Mode:           %s\n", thread.Mode)
	fmt.Printf("Context Mode:   %s\n", thread.Settings.ContextMode)
	fmt.Printf("Context Window: %d\n", thread.Settings.ContextWindow)
	fmt.Printf("Created:        %s\n", thread.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:        %s\n", thread.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if len(thread.TaskIDs) > 0 {
		fmt.Println("Tasks:")
		for _, id := range thread.TaskIDs {
			fmt.Printf("  %s\n", id)
		}
	}
	return nil
}

func runThreadDelete(cmd *cobra.Command, args []string) error {
	if _, err := apiSend("DELETE", "/threads/"+args[0], nil); err != nil {
		return err
	}
	fmt.Printf("Deleted thread %s\n", args[0])
	return nil
}

func runThreadMode(cmd *cobra.Command, args []string) error {
	resp, err := apiSend("PUT", "/threads/"+args[0]+"/mode", map[string]string{"mode": args[1]})
	if err != nil {
		return err
	}

	var thread models.Thread
	if err := json.Unmarshal(resp, &thread); err != nil {
		return err
	}

	fmt.Printf("Thread %s mode set to %s\n", truncateID(thread.ID), thread.Mode)
	return nil
}

func runThreadSettings(cmd *cobra.Command, args []string) error {
	patch := map[string]any{}
	if contextMode != "" {
		patch["context_mode"] = contextMode
	}
	if contextWindow > 0 {
		patch["context_window"] = contextWindow
	}
	if systemTerminal != "" {
		patch["system_terminal_enabled"] = systemTerminal == "true"
	}
	if len(patch) == 0 {
		return fmt.Errorf("no settings supplied")
	}

	resp, err := apiSend("PATCH", "/threads/"+args[0]+"/settings", patch)
	if err != nil {
		return err
	}

	var thread models.Thread
	if err := json.Unmarshal(resp, &thread); err != nil {
		return err
	}

	fmt.Printf("Updated settings for thread %s\n", truncateID(thread.ID))
	fmt.Printf("Context Mode:   %s\n", thread.Settings.ContextMode)
	fmt.Printf("Context Window: %d\n", thread.Settings.ContextWindow)
	return nil
}
