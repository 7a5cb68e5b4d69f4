package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mlowden/strand/internal/models"
)

var pkgCmd = &cobra.Command{
	Use:   "pkg",
	Short: "Manage approval-gated package installs",
}

var pkgRequestCmd = &cobra.Command{
	Use:   "request [name]",
	Short: "Request installation of a package",
	Args:  cobra.ExactArgs(1),
	RunE:  runPkgRequest,
}

var pkgListCmd = &cobra.Command{
	Use:   "list",
	Short: "List package records",
	RunE:  runPkgList,
}

var pkgShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a package record",
	Args:  cobra.ExactArgs(1),
	RunE:  runPkgShow,
}

var pkgApproveCmd = &cobra.Command{
	Use:   "approve [name]",
	Short: "Approve a pending package and start its install",
	Args:  cobra.ExactArgs(1),
	RunE:  pkgAction("approve", "Approved"),
}

var pkgDenyCmd = &cobra.Command{
	Use:   "deny [name]",
	Short: "Deny a pending package",
	Args:  cobra.ExactArgs(1),
	RunE:  pkgAction("deny", "Denied"),
}

var pkgUninstallCmd = &cobra.Command{
	Use:   "uninstall [name]",
	Short: "Uninstall an installed package",
	Args:  cobra.ExactArgs(1),
	RunE:  pkgAction("uninstall", "Uninstalled"),
}

var pkgRetryCmd = &cobra.Command{
	Use:   "retry [name]",
	Short: "Retry a failed, uninstalled, or denied package",
	Args:  cobra.ExactArgs(1),
	RunE:  pkgAction("retry", "Retrying"),
}

var pkgSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile records against the actual environment",
	RunE:  runPkgSync,
}

var pkgReason string

func init() {
	pkgCmd.AddCommand(pkgRequestCmd, pkgListCmd, pkgShowCmd, pkgApproveCmd, pkgDenyCmd, pkgUninstallCmd, pkgRetryCmd, pkgSyncCmd)

	pkgRequestCmd.Flags().StringVar(&pkgReason, "reason", "", "Why this package is needed")
}

func runPkgRequest(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/packages", map[string]string{
		"name":         args[0],
		"reason":       pkgReason,
		"requested_by": "cli",
	})
	if err != nil {
		return err
	}

	var pkg models.Package
	if err := json.Unmarshal(resp, &pkg); err != nil {
		return err
	}

	fmt.Printf("Package %s is %s (safety: %s, score %d)\n",
		pkg.Name, colorStatus(string(pkg.Status)), pkg.Metadata.SafetyLevel, pkg.Metadata.SafetyScore)
	return nil
}

func runPkgList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/packages")
	if err != nil {
		return err
	}

	var pkgs []models.Package
	if err := json.Unmarshal(resp, &pkgs); err != nil {
		return err
	}

	if len(pkgs) == 0 {
		fmt.Println("No packages recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tSAFETY\tUSES\tREQUESTED BY")
	for _, p := range pkgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			p.Name, colorStatus(string(p.Status)), p.Metadata.SafetyLevel, p.UsageCount, p.RequestedBy)
	}
	w.Flush()
	return nil
}

func runPkgShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/packages/" + args[0])
	if err != nil {
		return err
	}

	var pkg models.Package
	if err := json.Unmarshal(resp, &pkg); err != nil {
		return err
	}

	fmt.Printf("Name:        %s\n", pkg.Name)
	fmt.Printf("Status:      %s\n", colorStatus(string(pkg.Status)))
	fmt.Printf("Safety:      %s (score %d)\n", pkg.Metadata.SafetyLevel, pkg.Metadata.SafetyScore)
	if pkg.Metadata.Version != "" {
		fmt.Printf("Version:     %s\n", pkg.Metadata.Version)
	}
	if pkg.Reason != "" {
		fmt.Printf("Reason:      %s\n", pkg.Reason)
	}
	if pkg.Error != "" {
		fmt.Printf("Error:       %s\n", statusRed(pkg.Error))
	}
	fmt.Printf("Usage Count: %d\n", pkg.UsageCount)
	fmt.Printf("Requested:   %s\n", pkg.RequestedAt.Local().Format("2006-01-02 15:04:05"))
	if pkg.InstalledAt != nil {
		fmt.Printf("Installed:   %s\n", pkg.InstalledAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

// pkgAction builds a RunE posting to one of the package action endpoints.
func pkgAction(action, verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		resp, err := apiPost("/packages/"+args[0]+"/"+action, map[string]string{})
		if err != nil {
			return err
		}

		var pkg models.Package
		if err := json.Unmarshal(resp, &pkg); err != nil {
			return err
		}

		fmt.Printf("%s %s (now %s)\n", verb, pkg.Name, colorStatus(string(pkg.Status)))
		return nil
	}
}

func runPkgSync(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/packages/sync", map[string]string{})
	if err != nil {
		return err
	}

	var result struct {
		Added   []models.Package `json:"added"`
		Removed []models.Package `json:"removed"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	fmt.Printf("Sync complete: %d added, %d removed\n", len(result.Added), len(result.Removed))
	for _, p := range result.Added {
		fmt.Printf("  + %s\n", p.Name)
	}
	for _, p := range result.Removed {
		fmt.Printf("  - %s\n", p.Name)
	}
	return nil
}
