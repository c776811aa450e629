package models

import (
	"github.com/smazurov/rtcapture/internal/capture"
)

// Health check models
type HealthData struct {
	Status   string `json:"status" example:"ok" doc:"Service status"`
	Message  string `json:"message" example:"API is healthy" doc:"Status message"`
	Channels int    `json:"channels" example:"2" doc:"Channels set up on the coprocessor"`
}

type HealthResponse struct {
	Body HealthData
}

// Channel models
type ChannelListData struct {
	Channels []capture.Snapshot `json:"channels" doc:"Snapshots of every set-up channel"`
	Count    int                `json:"count" example:"2" doc:"Number of channels"`
}

type ChannelListResponse struct {
	Body ChannelListData
}

type ChannelInput struct {
	Name string `path:"name" minLength:"1" maxLength:"64" example:"cam0" doc:"Channel name"`
}

type ChannelResponse struct {
	Body capture.Snapshot
}

type ResetRequest struct {
	Name string `path:"name" minLength:"1" maxLength:"64" example:"cam0" doc:"Channel name"`
	Body struct {
		Immediate bool `json:"immediate,omitempty" example:"true" doc:"Abandon queued requests instead of letting the device finish them"`
	} `required:"false"`
}

type ChannelActionData struct {
	Channel string `json:"channel" example:"cam0" doc:"Channel name"`
	Action  string `json:"action" example:"reset" doc:"Action performed (reset, release)"`
	State   string `json:"state" example:"ready" doc:"Channel state after the action"`
}

type ChannelActionResponse struct {
	Body ChannelActionData
}

// Log models
type LogsInput struct {
	Since uint64 `query:"since" doc:"Only return entries with a sequence number above this"`
	Limit int    `query:"limit" minimum:"0" maximum:"1000" default:"200" doc:"Maximum entries to return"`
}

type LogEntryData struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number"`
	Timestamp  string         `json:"timestamp" example:"2026-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"capture" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

type LogsData struct {
	Entries []LogEntryData    `json:"entries" doc:"Recent log entries, oldest first"`
	Levels  map[string]string `json:"levels" doc:"Current level per module"`
}

type LogsResponse struct {
	Body LogsData
}

// Error response
type ErrorData struct {
	Status  string `json:"status" example:"error" doc:"Error status"`
	Message string `json:"message" example:"Channel not found" doc:"Error message"`
}

type ErrorResponse struct {
	Body ErrorData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate string `json:"build_date" example:"2024-12-15 14:30" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"a1b2c3d4" doc:"Unique build identifier"`
	GoVersion string `json:"go_version" example:"go1.21.0" doc:"Go compiler version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Compiler used"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"Platform"`
}

type VersionResponse struct {
	Body VersionData
}
