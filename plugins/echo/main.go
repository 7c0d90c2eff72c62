// Command echo is a minimal conduit plugin. It reads one request from stdin
// and writes one response to stdout.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattjoyce/conduit/internal/plugin"
)

type input struct {
	Text  string `json:"text"`
	Upper bool   `json:"upper"`
}

func main() {
	resp := handle(os.Stdin)
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func handle(r io.Reader) plugin.Response {
	var req plugin.Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return errResp(fmt.Sprintf("invalid request JSON: %v", err))
	}

	switch strings.TrimSpace(req.Command) {
	case "health":
		return okResp(map[string]any{"healthy": true})
	case "echo":
		var in input
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &in); err != nil {
				return errResp(fmt.Sprintf("invalid data: %v", err))
			}
		}
		text := in.Text
		if in.Upper {
			text = strings.ToUpper(text)
		}
		if prefix, ok := req.Config["prefix"].(string); ok {
			text = prefix + text
		}
		return okResp(map[string]any{"text": text})
	default:
		return errResp(fmt.Sprintf("unknown command %q", req.Command))
	}
}

func okResp(result any) plugin.Response {
	b, err := json.Marshal(result)
	if err != nil {
		return errResp(err.Error())
	}
	return plugin.Response{Status: "ok", Result: b}
}

func errResp(message string) plugin.Response {
	return plugin.Response{
		Status: "error",
		Error:  message,
		Logs:   []plugin.LogEntry{{Level: "error", Message: message}},
	}
}
