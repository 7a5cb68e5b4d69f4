package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mlowden/strand/internal/config"
	"github.com/mlowden/strand/internal/dialog"
)

// exchangeScript is the YAML shape of a scripted multi-turn exchange.
type exchangeScript struct {
	Thread string `yaml:"thread"`
	Turns  []struct {
		Speaker string `yaml:"speaker"`
		Prompt  string `yaml:"prompt"`
	} `yaml:"turns"`
}

var exchangeCmd = &cobra.Command{
	Use:   "exchange <script.yaml>",
	Short: "Run a scripted multi-turn exchange through the configured runner",
	Long: `Runs the turns of a YAML script one step at a time against the runner
selected in the daemon config. Ctrl+C cancels between steps; the transcript
accumulated so far is printed either way.`,
	Args: cobra.ExactArgs(1),
	RunE: runExchange,
}

func runExchange(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var script exchangeScript
	if err := yaml.Unmarshal(data, &script); err != nil {
		return fmt.Errorf("parse script: %w", err)
	}
	if len(script.Turns) == 0 {
		return fmt.Errorf("script has no turns")
	}
	if script.Thread == "" {
		script.Thread = "exchange"
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	run, err := buildRunner(cfg)
	if err != nil {
		return err
	}

	turns := make([]dialog.Turn, len(script.Turns))
	for i, t := range script.Turns {
		turns[i] = dialog.Turn{Speaker: t.Speaker, Prompt: t.Prompt}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop := dialog.NewLoop(run, script.Thread)
	runErr := loop.Run(ctx, turns)

	for _, entry := range loop.Transcript() {
		fmt.Printf("%s> %s\n%s\n\n", entry.Speaker, entry.Prompt, entry.Response)
	}
	if runErr != nil {
		return fmt.Errorf("exchange stopped: %w", runErr)
	}
	return nil
}
