package models

import "time"

// RequestType is the admission class of a job.
type RequestType string

const (
	Realtime RequestType = "realtime"
	Task     RequestType = "task"
)

func (t RequestType) Valid() bool { return t == Realtime || t == Task }

// Status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Provider keys understood by the provider service.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderDeepSeek  = "deepseek"
)

// ModelConfig describes one callable model on one provider.
type ModelConfig struct {
	ID          int64     `json:"id"`
	Provider    string    `json:"provider"`
	ModelName   string    `json:"model_name"`
	APIKey      string    `json:"-"`
	BaseURL     string    `json:"base_url,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Job is one admission unit: a generation request and its outcome.
type Job struct {
	ID            string         `json:"request_id"`
	Type          RequestType    `json:"request_type"`
	ModelConfigID int64          `json:"model_config_id"`
	Model         ModelConfig    `json:"-"`
	Prompt        string         `json:"prompt"`
	Params        map[string]any `json:"params,omitempty"`
	Status        string         `json:"status"`
	Response      string         `json:"response,omitempty"`
	Error         string         `json:"error,omitempty"`
	LatencyMs     *float64       `json:"latency_ms,omitempty"`
	ClientIP      string         `json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// StatusUpdate is a single status transition written to the record store.
type StatusUpdate struct {
	JobID       string
	Status      string
	Response    string
	Error       string
	LatencyMs   *float64
	CompletedAt *time.Time
}

// StatsSnapshot is an immutable point-in-time view written by the stats aggregator.
type StatsSnapshot struct {
	Timestamp              time.Time `json:"timestamp"`
	ActiveRealtimeRequests int       `json:"active_realtime_requests"`
	ActiveTaskRequests     int       `json:"active_task_requests"`
	QueueLength            int       `json:"queue_length"`
	TaskCap                int       `json:"task_cap"`
	AvgLatencyMs           float64   `json:"avg_latency"`
	Throughput             float64   `json:"throughput"`
}

// RequestTotals holds admin counters over all stored requests.
type RequestTotals struct {
	TotalRealtime  int64 `json:"total_realtime"`
	TotalTask      int64 `json:"total_task"`
	TotalCompleted int64 `json:"total_completed"`
	TotalFailed    int64 `json:"total_failed"`
	TotalAll       int64 `json:"total_all"`
}

// SubmitRequest represents a generation request submission
type SubmitRequest struct {
	ModelConfigID int64          `json:"model_config_id"`
	Prompt        string         `json:"prompt"`
	RequestType   RequestType    `json:"request_type"`
	Params        map[string]any `json:"params,omitempty"`
}

// SubmitResponse is returned from request submission.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Response  string `json:"response,omitempty"`
}

// ModelConfigInput is the body of model config create/update calls.
// Pointer fields distinguish "unset" from zero on update.
type ModelConfigInput struct {
	Provider    *string  `json:"provider"`
	ModelName   *string  `json:"model_name"`
	APIKey      *string  `json:"api_key"`
	BaseURL     *string  `json:"base_url"`
	MaxTokens   *int     `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
	IsActive    *bool    `json:"is_active"`
}
