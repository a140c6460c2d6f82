package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bytedance/sonic"

	"github.com/room4-2/voiceloop/config"
	"github.com/room4-2/voiceloop/diagnostics"
	"github.com/room4-2/voiceloop/messages"
	"github.com/room4-2/voiceloop/providers"
)

func main() {
	e2e := flag.Bool("e2e", false, "Also run a generate+synthesize round trip")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")
	asJSON := flag.Bool("json", false, "Print the results as JSON")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	collab, names, err := providers.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create collaborators", "error", err)
		os.Exit(1)
	}
	runner := diagnostics.NewRunner(collab, names, logger)

	results, err := runner.Run(ctx)
	if err != nil {
		logger.Error("Integration test failed", "error", err)
		os.Exit(1)
	}
	if *e2e {
		pipeline := runner.RunPipeline(ctx)
		results.Results = append(results.Results, pipeline.Results...)
		results.Success = results.Success && pipeline.Success
		results.TotalLatency += pipeline.TotalLatency
	}

	if *asJSON {
		out, err := sonic.ConfigStd.MarshalIndent(results, "", "  ")
		if err != nil {
			logger.Error("Failed to encode results", "error", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
	} else {
		printResults(results)
	}

	if !results.Success {
		os.Exit(1)
	}
}

func printResults(results messages.IntegrationResults) {
	for _, r := range results.Results {
		mark := "✅"
		if r.Status != diagnostics.StatusSuccess {
			mark = "❌"
		}
		fmt.Printf("%s %-22s %5dms", mark, r.Service, r.Latency)
		if r.Error != "" {
			fmt.Printf("  %s", r.Error)
		}
		fmt.Println()
	}
	fmt.Printf("Total: %dms\n", results.TotalLatency)
}
