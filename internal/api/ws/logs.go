// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/simbridge-io/simbridge/internal/connection"
	"github.com/simbridge-io/simbridge/internal/log"
)

const logStopGrace = 5 * time.Second

// logMessage is one parsed device log line as delivered to the client.
type logMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Process   string `json:"process"`
	PID       string `json:"pid"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	RawLine   string `json:"raw_line"`
}

type logInbound struct {
	Type   string `json:"type"`
	Level  string `json:"level"`
	Filter string `json:"filter"`
}

// Logs handles /ws/{session}/logs: a live feed of the device's unified log,
// with optional client-side level and substring filtering.
func (e *Endpoints) Logs(w http.ResponseWriter, r *http.Request) {
	a, ok := e.accept(w, r, connection.KindLogs)
	if !ok {
		return
	}
	defer a.release()

	logger := log.WithSession("ws.logs", a.sess.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := e.driver.StreamLogs(ctx, a.sess.UDID)
	if err != nil {
		logger.Error().Err(err).Msg("log stream start failed")
		a.conn.writeError(err)
		return
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), logStopGrace)
		defer stopCancel()
		_ = stream.Stop(stopCtx)
	}()

	inbound := make(chan logInbound)
	go func() {
		defer cancel()
		for {
			_, payload, err := a.conn.ws.ReadMessage()
			if err != nil {
				return
			}
			var msg logInbound
			if err := json.Unmarshal(payload, &msg); err != nil {
				a.conn.writeError(err)
				continue
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	filterLevel := "all"
	filterText := ""

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-stream.Lines():
			if !ok {
				if err := stream.Err(); err != nil {
					logger.Warn().Err(err).Msg("log stream ended")
				}
				return
			}
			msg := parseLogLine(line)
			if !logMatches(msg, filterLevel, filterText) {
				continue
			}
			if err := a.conn.WriteJSON(msg); err != nil {
				return
			}
		case cmd := <-inbound:
			switch cmd.Type {
			case "filter":
				if cmd.Level != "" {
					filterLevel = cmd.Level
				}
				filterText = cmd.Filter
				_ = a.conn.WriteJSON(map[string]any{
					"type":   "filter_applied",
					"filter": filterText,
					"level":  filterLevel,
				})
			case "clear":
				_ = a.conn.WriteJSON(map[string]any{"type": "clear"})
			}
		}
	}
}

// parseLogLine splits a compact-style log line into its structured fields.
// Lines that do not match the expected "date time process[pid] message"
// layout come back whole in the message field.
func parseLogLine(line string) logMessage {
	parts := strings.SplitN(line, " ", 4)
	if len(parts) < 4 {
		return logMessage{
			Type:      "log",
			Timestamp: time.Now().Format("2006-01-02 15:04:05"),
			Process:   "unknown",
			PID:       "",
			Level:     "info",
			Message:   line,
			RawLine:   line,
		}
	}

	processInfo := parts[2]
	message := parts[3]

	process := processInfo
	pid := ""
	if open := strings.Index(processInfo, "["); open >= 0 {
		if end := strings.Index(processInfo[open:], "]"); end > 0 {
			process = processInfo[:open]
			pid = processInfo[open+1 : open+end]
		}
	}

	level := "info"
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(message, "<Error>"):
		level = "error"
	case strings.Contains(lower, "warning") || strings.Contains(message, "<Warning>"):
		level = "warning"
	case strings.Contains(lower, "debug") || strings.Contains(message, "<Debug>"):
		level = "debug"
	}

	return logMessage{
		Type:      "log",
		Timestamp: parts[0] + " " + parts[1],
		Process:   process,
		PID:       pid,
		Level:     level,
		Message:   message,
		RawLine:   line,
	}
}

func logMatches(msg logMessage, level, text string) bool {
	if level != "all" && msg.Level != level {
		return false
	}
	if text != "" && !strings.Contains(strings.ToLower(msg.RawLine), strings.ToLower(text)) {
		return false
	}
	return true
}
