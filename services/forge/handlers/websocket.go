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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianForge/services/forge/datatypes"
	"github.com/AleutianAI/AleutianForge/services/forge/engine"
	"github.com/AleutianAI/AleutianForge/services/forge/middleware"
	"github.com/AleutianAI/AleutianForge/services/forge/services"
)

// WSGenerateRequest is the single request frame a client sends after
// connecting to GET /v1/generate/ws.
type WSGenerateRequest struct {
	Prompt  string `json:"prompt"`
	Mission string `json:"mission,omitempty"`
}

// WSFrame is one server-to-client frame. Type is "event" while the loop
// runs, then exactly one "result" or "error".
type WSFrame struct {
	Type   string            `json:"type"`
	Event  *engine.Event     `json:"event,omitempty"`
	Result *GenerateResponse `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// eventBuffer bounds the progress queue. A loop emits at most a handful
// of events per cycle, so overflow only happens with a stalled client;
// overflowing events are dropped rather than blocking the loop.
const eventBuffer = 64

func sendFrame(ws *websocket.Conn, frame WSFrame) error {
	err := ws.WriteJSON(frame)
	if err != nil {
		slog.Warn("Failed to write WebSocket frame", "error", err)
	}
	return err
}

// HandleGenerateWebSocket creates the handler for GET /v1/generate/ws.
//
// The client sends one WSGenerateRequest, receives an "event" frame per
// loop step, and finally one "result" or "error" frame. A cached or
// collapsed request produces no event frames, only the terminal one.
func HandleGenerateWebSocket(svc *services.GenerationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		callerID := middleware.GetCallerID(c)

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		var req WSGenerateRequest
		if err := ws.ReadJSON(&req); err != nil {
			slog.Warn("Failed to read WebSocket request", "error", err)
			return
		}

		d := datatypes.Directive{Prompt: req.Prompt, Mission: req.Mission}

		events := make(chan engine.Event, eventBuffer)
		obs := func(ev engine.Event) {
			select {
			case events <- ev:
			default:
			}
		}

		type outcome struct {
			result *datatypes.Result
			cached bool
			err    error
		}
		done := make(chan outcome, 1)

		go func() {
			result, cached, err := svc.GenerateWithObserver(c.Request.Context(), callerID, d, obs)
			done <- outcome{result: result, cached: cached, err: err}
		}()

		for {
			select {
			case ev := <-events:
				if err := sendFrame(ws, WSFrame{Type: "event", Event: &ev}); err != nil {
					// Client gone. The loop keeps running and will
					// populate the cache for the next request.
					return
				}

			case out := <-done:
				// Drain events emitted before the terminal frame.
				for {
					select {
					case ev := <-events:
						if err := sendFrame(ws, WSFrame{Type: "event", Event: &ev}); err != nil {
							return
						}
						continue
					default:
					}
					break
				}

				if out.err != nil {
					_ = sendFrame(ws, WSFrame{Type: "error", Error: string(datatypes.KindOf(out.err))})
					return
				}
				_ = sendFrame(ws, WSFrame{Type: "result", Result: &GenerateResponse{
					Code:      out.result.Code,
					Cycles:    out.result.Cycles,
					Hash:      out.result.Hash,
					Timestamp: out.result.Timestamp,
					Cached:    out.cached,
				}})
				return
			}
		}
	}
}
