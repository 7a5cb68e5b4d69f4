package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mlowden/strand/internal/models"
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message, creating a thread if needed",
	Long:  `Submits a prompt through the conversational endpoint. With --thread the message joins an existing thread; otherwise a new thread is created from the message.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChat,
}

var (
	chatThreadID string
	chatNoWait   bool
)

func init() {
	chatCmd.Flags().StringVar(&chatThreadID, "thread", "", "Existing thread id")
	chatCmd.Flags().BoolVar(&chatNoWait, "no-wait", false, "Return immediately instead of waiting for the response")
}

func runChat(cmd *cobra.Command, args []string) error {
	message := strings.Join(args, " ")

	resp, err := apiPost("/chat", map[string]string{
		"thread_id": chatThreadID,
		"message":   message,
	})
	if err != nil {
		return err
	}

	var result struct {
		Task   models.Task   `json:"task"`
		Thread models.Thread `json:"thread"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	if chatThreadID == "" {
		fmt.Printf("Thread: %s (%s)\n", result.Thread.ID, result.Thread.Title)
	}
	if chatNoWait {
		fmt.Printf("Task %s queued\n", truncateID(result.Task.ID))
		return nil
	}

	// Poll until terminal; the SSE stream is a push optimization, polling
	// the task record is always correct.
	for {
		body, err := apiGet("/tasks/" + result.Task.ID)
		if err != nil {
			return err
		}
		var task models.Task
		if err := json.Unmarshal(body, &task); err != nil {
			return err
		}
		if task.Status.Terminal() {
			if task.Error != "" {
				return fmt.Errorf("task failed: %s", task.Error)
			}
			if task.Result != nil {
				fmt.Println(task.Result.Response)
			}
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}
