package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/basket/clawdash/internal/config"
	"github.com/basket/clawdash/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: clawdash doctor [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		// Keep going; the config check reports what is wrong.
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
		if diag.Failed() {
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "clawdash doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(stdout, "---")

	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case doctor.StatusFail:
			icon = "❌"
		case doctor.StatusWarn:
			icon = "⚠️ "
		case doctor.StatusSkip:
			icon = "⏩"
		}
		fmt.Fprintf(stdout, "%s %-13s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "    %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
