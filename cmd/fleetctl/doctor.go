package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/fleetcore/internal/config"
	"github.com/basket/fleetcore/internal/doctor"
)

// runDoctorCommand is adapted from the teacher's cmd/goclaw/doctor.go: a
// -json flag for machine consumption, otherwise an emoji-annotated
// report with a non-zero exit on any FAIL.
func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil && !cfg.NeedsGenesis {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return resultExitCode(diag.Results)
	}

	fmt.Printf("fleetctl doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case "FAIL":
			icon = "❌"
		case "WARN":
			icon = "⚠️ "
		case "SKIP":
			icon = "⏩"
		}
		fmt.Printf("%s %-12s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("    %s\n", res.Detail)
		}
	}

	return resultExitCode(diag.Results)
}

func resultExitCode(results []doctor.CheckResult) int {
	for _, res := range results {
		if res.Status == "FAIL" {
			return 1
		}
	}
	return 0
}
