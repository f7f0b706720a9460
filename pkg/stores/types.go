package stores

import "time"

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Stats summarizes the stored evaluation history for one organization.
type Stats struct {
	TotalEvaluations   int64   `json:"total_evaluations"`
	CompletedCount     int64   `json:"completed_count"`
	BlockedCount       int64   `json:"blocked_count"`
	FailedCount        int64   `json:"failed_count"`
	ViolationCount     int64   `json:"violation_count"`
	AverageScore       float64 `json:"average_score"`
	AverageDurationMS  float64 `json:"average_duration_ms"`
	ActivePolicyCount  int64   `json:"active_policy_count"`
	TotalPolicyCount   int64   `json:"total_policy_count"`
}
