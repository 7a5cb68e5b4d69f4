package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/status")
	if err != nil {
		return err
	}

	var status struct {
		Uptime string `json:"uptime"`
		Queue  struct {
			QueuedCount  int `json:"queued_count"`
			RunningCount int `json:"running_count"`
		} `json:"queue"`
		ActiveAgents []json.RawMessage `json:"active_agents"`
		ToolCount    int               `json:"tool_count"`
		Subscribers  map[string]int    `json:"subscribers"`
	}
	if err := json.Unmarshal(resp, &status); err != nil {
		return err
	}

	fmt.Printf("Daemon:   %s (up %s)\n", statusGreen("running"), status.Uptime)
	fmt.Printf("Queue:    %d queued, %d running\n", status.Queue.QueuedCount, status.Queue.RunningCount)
	fmt.Printf("Agents:   %d active\n", len(status.ActiveAgents))
	fmt.Printf("Tools:    %d registered\n", status.ToolCount)
	fmt.Printf("Watchers: chat=%d logs=%d agents=%d\n",
		status.Subscribers["chat"], status.Subscribers["logs"], status.Subscribers["agents"])
	return nil
}
