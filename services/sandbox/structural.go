// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"context"
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

// hasStructuralShape performs the shallow syntactic check: after leading
// whitespace, the candidate must begin with one of the policy's
// declaration keywords, followed by a word boundary.
func hasStructuralShape(candidate []byte, prefixes []string) bool {
	text := strings.TrimLeftFunc(string(candidate), unicode.IsSpace)
	if text == "" {
		return false
	}
	for _, prefix := range prefixes {
		if !strings.HasPrefix(text, prefix) {
			continue
		}
		rest := text[len(prefix):]
		if rest == "" {
			return true
		}
		// "constant" must not satisfy the "const" prefix.
		r := rune(rest[0])
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return true
		}
	}
	return false
}

// parsesCleanly runs the deep structural check: the candidate must parse
// as JavaScript without error nodes. The parser is created per call; a
// tree-sitter parser is not safe for concurrent reuse and the sandbox
// validates candidates concurrently.
func parsesCleanly(ctx context.Context, candidate []byte) bool {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, candidate)
	if err != nil || tree == nil {
		return false
	}
	defer tree.Close()

	root := tree.RootNode()
	return root != nil && !root.HasError()
}
