// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
)

// --- Global Command Variables ---
var (
	config     Config
	logger     *logging.Logger
	serverURL  string
	authToken  string
	configPath string
	mission    string
	jsonOutput bool

	rootCmd = &cobra.Command{
		Use:   "forge",
		Short: "A cli for the Aleutian Forge generation service",
		Long: `Forge drives a local generation service that produces validated
code artifacts: every candidate is checked in a sandbox before it is
returned, and failed attempts feed the next try.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			var err error
			config, err = loadConfig(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", configPath, err)
				os.Exit(1)
			}

			logger = logging.New(logging.Config{
				Level:   logging.ParseLevel(config.LogLevel),
				LogDir:  config.LogDir,
				Service: "cli",
			})

			serverURL = resolveServerURL(serverURL, config)
			if authToken == "" {
				authToken = config.Token
			}
		},
	}

	generateCmd = &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate a validated code artifact from a prompt",
		Args:  cobra.MinimumNArgs(1),
		Run:   runGenerateCommand,
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check whether the forge service is reachable",
		Run:   runHealthCommand,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show result cache counters",
		Run:   runStatsCommand,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the CLI config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Forge service URL (overrides config and FORGE_SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token sent with every request")

	generateCmd.Flags().StringVar(&mission, "mission", "", "Mission context for knowledge retrieval")
	generateCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the full response as JSON")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statsCmd)
}

func runGenerateCommand(cmd *cobra.Command, args []string) {
	prompt := strings.Join(args, " ")
	client := newAPIClient(serverURL, authToken)

	logger.Debug("Submitting directive", "prompt_length", len(prompt), "mission", mission)

	result, err := client.Generate(context.Background(), prompt, mission)
	if err != nil {
		logger.Error("Generation failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Println(result.Code)
	fmt.Fprintf(os.Stderr, "cycles=%d cached=%t hash=%s\n", result.Cycles, result.Cached, result.Hash)
}

func runHealthCommand(cmd *cobra.Command, args []string) {
	client := newAPIClient(serverURL, authToken)

	if err := client.Health(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Forge service unhealthy: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func runStatsCommand(cmd *cobra.Command, args []string) {
	client := newAPIClient(serverURL, authToken)

	stats, err := client.CacheStats(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-10s %d\n", k, stats[k])
	}
}
