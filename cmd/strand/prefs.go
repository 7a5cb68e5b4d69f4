package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Read and write dashboard preferences",
}

var prefsGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Read a dotted-path preference key",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrefsGet,
}

var prefsSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Write a dotted-path preference key",
	Args:  cobra.ExactArgs(2),
	RunE:  runPrefsSet,
}

var prefsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Dump the full preference document",
	RunE:  runPrefsList,
}

func init() {
	prefsCmd.AddCommand(prefsGetCmd, prefsSetCmd, prefsListCmd)
}

func runPrefsGet(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/prefs/" + args[0])
	if err != nil {
		return err
	}

	var result struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	out, err := json.Marshal(result.Value)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runPrefsSet(cmd *cobra.Command, args []string) error {
	// Values that parse as JSON are stored typed; everything else is a
	// plain string.
	var value any
	if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
		value = args[1]
	}

	if _, err := apiSend("PUT", "/prefs/"+args[0], map[string]any{"value": value}); err != nil {
		return err
	}
	fmt.Printf("Set %s\n", args[0])
	return nil
}

func runPrefsList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/prefs")
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := json.Unmarshal(resp, &doc); err != nil {
		return err
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
