package genai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sophia-care/sophia/internal/util"
)

// debugEntry is one exchange written in debug mode.
type debugEntry struct {
	Timestamp string      `json:"timestamp"`
	Method    string      `json:"method"`
	Model     string      `json:"model"`
	Params    interface{} `json:"params"`
	Response  interface{} `json:"response"`
}

// writeDebug dumps an exchange under <stateDir>/debug when debug mode is on.
// Failures are logged and never affect the call.
func (c *Client) writeDebug(method string, params, response interface{}) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Warn("genai.writeDebug: failed to create debug directory", "error", err, "dir", dir)
		return
	}
	now := time.Now().UTC()
	entry := debugEntry{
		Timestamp: now.Format(time.RFC3339Nano),
		Method:    method,
		Model:     c.model,
		Params:    params,
		Response:  response,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.writeDebug: failed to marshal debug entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s_%s.json", now.Format("20060102T150405.000000000"), method, util.GenerateRandomHex(6))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		slog.Warn("genai.writeDebug: failed to write debug entry", "error", err)
	}
}
