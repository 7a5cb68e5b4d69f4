package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mlowden/strand/internal/models"
)

var toolCmd = &cobra.Command{
	Use:   "tool",
	Short: "Inspect the tool registry",
}

var toolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tools",
	RunE:  runToolList,
}

var toolShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a tool",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolShow,
}

var toolDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a forged tool (system tools are protected)",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolDelete,
}

func init() {
	toolCmd.AddCommand(toolListCmd, toolShowCmd, toolDeleteCmd)
}

func runToolList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tools")
	if err != nil {
		return err
	}

	var tools []models.Tool
	if err := json.Unmarshal(resp, &tools); err != nil {
		return err
	}

	if len(tools) == 0 {
		fmt.Println("No tools registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDOMAIN\tUSES\tKIND\tDESCRIPTION")
	for _, t := range tools {
		kind := "forged"
		if t.IsSystem {
			kind = statusCyan("system")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			t.Name, t.Domain, t.UsageCount, kind, truncateStr(t.Description, 50))
	}
	w.Flush()
	return nil
}

func runToolShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tools/" + args[0])
	if err != nil {
		return err
	}

	var tool models.Tool
	if err := json.Unmarshal(resp, &tool); err != nil {
		return err
	}

	fmt.Printf("Name:        %s\n", tool.Name)
	fmt.Printf("Domain:      %s\n", tool.Domain)
	fmt.Printf("Description: %s\n", tool.Description)
	fmt.Printf("System:      %v\n", tool.IsSystem)
	fmt.Printf("Usage Count: %d\n", tool.UsageCount)
	if len(tool.Parameters) > 0 {
		fmt.Println("Parameters:")
		for name, desc := range tool.Parameters {
			fmt.Printf("  %s: %s\n", name, desc)
		}
	}
	return nil
}

func runToolDelete(cmd *cobra.Command, args []string) error {
	if _, err := apiSend("DELETE", "/tools/"+args[0], nil); err != nil {
		return err
	}
	fmt.Printf("Deleted tool %s\n", args[0])
	return nil
}
