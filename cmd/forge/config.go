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
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds CLI settings read from config.yaml, all optional.
// Precedence: flag > environment > config file > built-in default.
type Config struct {
	// ServerURL is the forge service base URL.
	ServerURL string `yaml:"server_url"`

	// Token is the bearer token sent with every request.
	Token string `yaml:"token"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogDir enables file logging when set.
	LogDir string `yaml:"log_dir"`
}

const defaultServerURL = "http://localhost:12230"

// loadConfig reads config.yaml from path. A missing file is not an
// error; the CLI works out of the box against a local service.
func loadConfig(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// resolveServerURL applies the precedence chain for the service URL.
func resolveServerURL(flagValue string, cfg Config) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("FORGE_SERVER_URL"); env != "" {
		return env
	}
	if cfg.ServerURL != "" {
		return cfg.ServerURL
	}
	return defaultServerURL
}
