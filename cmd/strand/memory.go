package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mlowden/strand/internal/models"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect the memory store",
}

var memoryOverviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show permanent insights and per-thread memory groups",
	RunE:  runMemoryOverview,
}

var memorySearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search memory records",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemorySearch,
}

var (
	memoryDomain string
	memoryLimit  int
)

func init() {
	memoryCmd.AddCommand(memoryOverviewCmd, memorySearchCmd)

	memorySearchCmd.Flags().StringVar(&memoryDomain, "domain", "", "Restrict to one domain")
	memorySearchCmd.Flags().IntVar(&memoryLimit, "limit", 20, "Maximum results")
}

func runMemoryOverview(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/memory/overview")
	if err != nil {
		return err
	}

	var overview struct {
		Permanent []models.MemoryRecord `json:"permanent"`
		Threads   []struct {
			ThreadID string                `json:"thread"`
			Memories []models.MemoryRecord `json:"memories"`
		} `json:"threads"`
	}
	if err := json.Unmarshal(resp, &overview); err != nil {
		return err
	}

	if len(overview.Permanent) > 0 {
		fmt.Println(statusCyan("Permanent insights:"))
		for _, rec := range overview.Permanent {
			printMemory(rec)
		}
	}
	for _, group := range overview.Threads {
		fmt.Printf("\n%s %s\n", statusCyan("Thread"), truncateID(group.ThreadID))
		for _, rec := range group.Memories {
			printMemory(rec)
		}
	}
	if len(overview.Permanent) == 0 && len(overview.Threads) == 0 {
		fmt.Println("No memories recorded")
	}
	return nil
}

func runMemorySearch(cmd *cobra.Command, args []string) error {
	query := url.Values{}
	query.Set("q", args[0])
	if memoryDomain != "" {
		query.Set("domain", memoryDomain)
	}
	query.Set("limit", strconv.Itoa(memoryLimit))

	resp, err := apiGet("/memory/search?" + query.Encode())
	if err != nil {
		return err
	}

	var records []models.MemoryRecord
	if err := json.Unmarshal(resp, &records); err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No matches")
		return nil
	}
	for _, rec := range records {
		printMemory(rec)
	}
	return nil
}

func printMemory(rec models.MemoryRecord) {
	fmt.Printf("  [%s] %s  %s\n",
		rec.Timestamp.Local().Format("2006-01-02 15:04"),
		rec.EventType,
		truncateStr(rec.Summary, 70))
}
