// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("forge.knowledge")

// MissionClass is the Weaviate class holding mission knowledge chunks.
const MissionClass = "MissionKnowledge"

// defaultTopK is how many knowledge chunks one retrieval concatenates.
const defaultTopK = 4

// WeaviateProvider retrieves mission context from a Weaviate vector store.
// The store is read-only input; the provider never writes to it.
type WeaviateProvider struct {
	client *weaviate.Client
	topK   int
}

// NewWeaviateProvider creates a provider over an existing client.
func NewWeaviateProvider(client *weaviate.Client) *WeaviateProvider {
	return &WeaviateProvider{client: client, topK: defaultTopK}
}

// GetContext implements the Provider interface via nearText retrieval.
func (w *WeaviateProvider) GetContext(ctx context.Context, mission string) (string, error) {
	mission = strings.TrimSpace(mission)
	if mission == "" {
		return "", nil
	}

	ctx, span := tracer.Start(ctx, "WeaviateProvider.GetContext")
	defer span.End()
	span.SetAttributes(attribute.Int("knowledge.top_k", w.topK))

	nearText := w.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{mission})

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(MissionClass).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(w.topK).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Failed to retrieve mission knowledge", "error", err)
		return "", fmt.Errorf("weaviate retrieval failed: %w", err)
	}
	if len(result.Errors) > 0 {
		err := fmt.Errorf("weaviate query error: %s", result.Errors[0].Message)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	chunks := extractContents(result.Data)
	slog.Debug("Retrieved mission knowledge", "mission", mission, "chunks", len(chunks))
	return strings.Join(chunks, "\n\n"), nil
}

// extractContents digs the content strings out of the GraphQL response.
// Missing or oddly shaped sections yield an empty slice rather than an
// error; absent knowledge is not a retrieval failure.
func extractContents(data map[string]models.JSONObject) []string {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	rows, ok := get[MissionClass].([]interface{})
	if !ok {
		return nil
	}
	var chunks []string
	for _, row := range rows {
		obj, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		if content, ok := obj["content"].(string); ok && content != "" {
			chunks = append(chunks, content)
		}
	}
	return chunks
}
