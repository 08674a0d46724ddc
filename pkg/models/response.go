package models

// Response common response structure
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorDetail is the Data of a failed Response: a stable code plus a short
// explanation suitable for direct display.
type ErrorDetail struct {
	Code    string `json:"code"`
	Explain string `json:"explain"`
}

// RuntimeInfo describes the backend runtime settings that clients may need.
type RuntimeInfo struct {
	HTTPBaseURL string `json:"http_base_url"`
	WSBaseURL   string `json:"ws_base_url"`
	Port        int    `json:"port"`
}
