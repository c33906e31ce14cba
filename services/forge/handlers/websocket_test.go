// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialGenerateWS(t *testing.T, router *gin.Engine) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/generate/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	return ws
}

func readFrames(t *testing.T, ws *websocket.Conn) []WSFrame {
	t.Helper()

	var frames []WSFrame
	for {
		var frame WSFrame
		if err := ws.ReadJSON(&frame); err != nil {
			t.Fatalf("connection closed before terminal frame: %v", err)
		}
		frames = append(frames, frame)
		if frame.Type == "result" || frame.Type == "error" {
			return frames
		}
	}
}

func TestHandleGenerateWebSocket_StreamsEventsThenResult(t *testing.T) {
	svc := newHandlerService(t, &fixedBackend{candidate: "const a = 1;"})
	router := createTestRouter("GET", "/v1/generate/ws", HandleGenerateWebSocket(svc))

	ws := dialGenerateWS(t, router)
	require.NoError(t, ws.WriteJSON(WSGenerateRequest{Prompt: "make a constant"}))

	frames := readFrames(t, ws)
	final := frames[len(frames)-1]

	require.Equal(t, "result", final.Type)
	assert.Equal(t, "const a = 1;", final.Result.Code)
	assert.Equal(t, 1, final.Result.Cycles)

	var sawEvent bool
	for _, f := range frames[:len(frames)-1] {
		if f.Type == "event" {
			sawEvent = true
			assert.NotNil(t, f.Event)
		}
	}
	assert.True(t, sawEvent, "expected at least one progress event before the result")
}

func TestHandleGenerateWebSocket_ExhaustionYieldsErrorFrame(t *testing.T) {
	svc := newHandlerService(t, &fixedBackend{candidate: "let x = eval(input);"})
	router := createTestRouter("GET", "/v1/generate/ws", HandleGenerateWebSocket(svc))

	ws := dialGenerateWS(t, router)
	require.NoError(t, ws.WriteJSON(WSGenerateRequest{Prompt: "make a constant"}))

	frames := readFrames(t, ws)
	final := frames[len(frames)-1]

	require.Equal(t, "error", final.Type)
	assert.Equal(t, "generation_exhausted", final.Error)
}
