package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mlowden/strand/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit [thread-id] [prompt]",
	Short: "Submit a task to a thread",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskSubmit,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show a task's current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskStatus,
}

var taskWaitCmd = &cobra.Command{
	Use:   "wait [task-id]",
	Short: "Poll a task until it reaches a terminal state",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskWait,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show queue status",
	RunE:  runQueue,
}

var waitTimeout time.Duration

func init() {
	taskCmd.AddCommand(taskSubmitCmd, taskStatusCmd, taskWaitCmd, queueCmd)

	taskWaitCmd.Flags().DurationVar(&waitTimeout, "timeout", 5*time.Minute, "Give up after this long")
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/tasks", map[string]string{
		"thread_id": args[0],
		"prompt":    args[1],
	})
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("Submitted task: %s (%s)\n", task.ID, colorStatus(string(task.Status)))
	return nil
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks/" + args[0])
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	printTask(&task)
	return nil
}

func runTaskWait(cmd *cobra.Command, args []string) error {
	deadline := time.Now().Add(waitTimeout)

	for {
		resp, err := apiGet("/tasks/" + args[0])
		if err != nil {
			return err
		}

		var task models.Task
		if err := json.Unmarshal(resp, &task); err != nil {
			return err
		}
		if task.Status.Terminal() {
			printTask(&task)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("task %s still %s after %s", truncateID(task.ID), task.Status, waitTimeout)
		}
		time.Sleep(time.Second)
	}
}

func runQueue(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/queue")
	if err != nil {
		return err
	}

	var status models.QueueStatus
	if err := json.Unmarshal(resp, &status); err != nil {
		return err
	}

	fmt.Printf("Queued:  %d\n", status.QueuedCount)
	fmt.Printf("Running: %d\n", status.RunningCount)

	if len(status.PerThread) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "THREAD\tSTATUS")
		for threadID, st := range status.PerThread {
			fmt.Fprintf(w, "%s\t%s\n", truncateID(threadID), colorStatus(string(st)))
		}
		w.Flush()
	}
	return nil
}

func printTask(task *models.Task) {
	fmt.Printf("ID:      %s\n", task.ID)
	fmt.Printf("Thread:  %s\n", task.ThreadID)
	fmt.Printf("Status:  %s\n", colorStatus(string(task.Status)))
	fmt.Printf("Prompt:  %s\n", truncateStr(task.Prompt, 80))
	if task.Error != "" {
		fmt.Printf("Error:   %s\n", statusRed(task.Error))
	}
	if task.Result != nil {
		fmt.Printf("Took:    %.1fs\n", task.Result.ExecutionTime)
		if len(task.Result.ToolsForged) > 0 {
			fmt.Printf("Forged:  %v\n", task.Result.ToolsForged)
		}
		fmt.Println("\n--- RESPONSE ---")
		fmt.Println(task.Result.Response)
	}
}
