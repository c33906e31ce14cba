// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
This file bridges the build system and the runtime guard logic. It uses the
Go embed package to bake the generation_guard_patterns.yaml file directly
into the compiled binary, so the default validation rules are immutable at
runtime and travel with the executable.
*/

package enforcement

import (
	_ "embed"
)

// GenerationGuardPatterns holds the raw byte content of the
// 'generation_guard_patterns.yaml' file.
//
// Populated at compile time via the Go 'embed' directive. Baking the YAML
// into the binary means the default guard rules cannot be tampered with on
// the host filesystem without recompiling the application. An explicit
// override path is still honored, see sandbox.PolicyStore.
//
// Usage:
//
//	// Pass these bytes directly to yaml.Unmarshal
//	err := yaml.Unmarshal(enforcement.GenerationGuardPatterns, &targetStruct)
//
//go:embed generation_guard_patterns.yaml
var GenerationGuardPatterns []byte
