package plugin

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Request is written to a plugin's stdin as a single JSON document.
type Request struct {
	Protocol   int             `json:"protocol"`
	Command    string          `json:"command"`
	Config     map[string]any  `json:"config"`
	Data       json.RawMessage `json:"data,omitempty"`
	DeadlineAt time.Time       `json:"deadline_at"`
}

// Response is read from a plugin's stdout.
type Response struct {
	Status string          `json:"status"` // ok | error
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Logs   []LogEntry      `json:"logs,omitempty"`
}

// LogEntry is a log line reported by a plugin.
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// EncodeRequest serializes req to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != supportedProtocol {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeResponse validates the JSON a plugin wrote on stdout. Unknown fields
// are tolerated.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("plugin produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("plugin output is not valid JSON: %w", err)
	}

	if resp.Status == "" {
		return nil, fmt.Errorf("response missing required field: status")
	}
	if resp.Status != "ok" && resp.Status != "error" {
		return nil, fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
	if resp.Status == "error" && resp.Error == "" {
		return nil, fmt.Errorf("response has status=error but no error message")
	}
	return &resp, nil
}
