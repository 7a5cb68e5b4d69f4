package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mlowden/strand/internal/broadcast"
)

var watchCmd = &cobra.Command{
	Use:   "watch [chat|logs|agents]",
	Short: "Stream live events from the daemon",
	Long:  `Attaches to one of the daemon's event channels over SSE. Delivery is at-most-once with no replay: events published while disconnected are gone, so reconnects re-pull current state instead of assuming continuity.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

// streamClient has no timeout: the stream stays open indefinitely.
var streamClient = &http.Client{}

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

func runWatch(cmd *cobra.Command, args []string) error {
	channel := broadcast.Channel(args[0])
	if !channel.Valid() {
		return fmt.Errorf("unknown channel %q (want chat, logs, or agents)", args[0])
	}

	backoff := reconnectMin
	for {
		err := streamOnce(channel)
		if err != nil {
			fmt.Printf("%s stream error: %v (reconnecting in %s)\n", statusDim("--"), err, backoff)
		} else {
			fmt.Printf("%s stream closed (reconnecting in %s)\n", statusDim("--"), backoff)
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func streamOnce(channel broadcast.Channel) error {
	resp, err := streamClient.Get(apiAddr + "/events/" + string(channel))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev broadcast.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		printEvent(ev)
	}
	return scanner.Err()
}

func printEvent(ev broadcast.Event) {
	ts := ev.TS.Local().Format("15:04:05")

	switch ev.Type {
	case broadcast.TypeLog:
		var payload broadcast.LogPayload
		if remarshal(ev.Payload, &payload) == nil {
			level := payload.Level
			if level == "error" {
				level = statusRed(level)
			}
			fmt.Printf("%s [%s] %s: %s\n", ts, level, payload.Source, payload.Message)
			return
		}
	case broadcast.TypeAgentsUpdate:
		var agents []broadcast.AgentInfo
		if remarshal(ev.Payload, &agents) == nil {
			fmt.Printf("%s %d agent(s) active\n", ts, len(agents))
			for _, a := range agents {
				fmt.Printf("    %s on task %s (thread %s)\n",
					truncateID(a.WorkerID), truncateID(a.TaskID), truncateID(a.ThreadID))
			}
			return
		}
	}

	data, _ := json.Marshal(ev.Payload)
	thread := ""
	if ev.ThreadID != "" {
		thread = " thread=" + truncateID(ev.ThreadID)
	}
	fmt.Printf("%s %s%s %s\n", ts, statusCyan(ev.Type), thread, string(data))
}

// remarshal converts a decoded any payload into a concrete type.
func remarshal(payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
