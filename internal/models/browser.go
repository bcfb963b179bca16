package models

import "time"

// ConsoleLog is a console message observed on the page
type ConsoleLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // log, info, warning, error, debug
	Source    string    `json:"source,omitempty"`
	Text      string    `json:"text"`
	URL       string    `json:"url,omitempty"`
	Line      int64     `json:"line,omitempty"`
}

// NetworkRequest is one observed request with its response, if any
type NetworkRequest struct {
	RequestID    string    `json:"request_id"`
	Timestamp    time.Time `json:"timestamp"`
	Method       string    `json:"method"`
	URL          string    `json:"url"`
	ResourceType string    `json:"resource_type,omitempty"`
	Status       int64     `json:"status,omitempty"`
	MimeType     string    `json:"mime_type,omitempty"`
	EncodedBytes int64     `json:"encoded_bytes,omitempty"`
	Failed       bool      `json:"failed,omitempty"`
	ErrorText    string    `json:"error_text,omitempty"`
	DurationMs   float64   `json:"duration_ms,omitempty"`
}

// Screenshot is captured image data plus how it was captured
type Screenshot struct {
	Data          []byte `json:"-"`
	Format        string `json:"format"` // png or webp
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Partial       bool   `json:"partial"`
	PartialReason string `json:"partial_reason,omitempty"`
}

// PageInfo is what the lifecycle manager inspects before a full-page capture
type PageInfo struct {
	URL           string `json:"url"`
	Title         string `json:"title"`
	MimeType      string `json:"mime_type"`
	ContentWidth  int64  `json:"content_width"`
	ContentHeight int64  `json:"content_height"`
}

// CrashDumpData is written once when a browser terminates abnormally
type CrashDumpData struct {
	RunID         string           `json:"run_id"`
	Reason        string           `json:"reason"`
	URL           string           `json:"url,omitempty"`
	Title         string           `json:"title,omitempty"`
	HTML          string           `json:"html,omitempty"`
	Markdown      string           `json:"markdown,omitempty"`
	Truncated     bool             `json:"truncated,omitempty"`
	LastConsole   []ConsoleLog     `json:"last_console,omitempty"`
	LastNetwork   []NetworkRequest `json:"last_network,omitempty"`
	Screenshot    *ArtifactRef     `json:"screenshot,omitempty"`
	CapturedAt    time.Time        `json:"captured_at"`
	CaptureErrors []string         `json:"capture_errors,omitempty"`
}
