package wire

import "github.com/loadforge/loadsched/internal/model"

// ResultCode is the closed set of handshake/response result codes.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultError
	ResultUpgradeRequired
	ResultAuthRequired
	ResultAuthFailed
)

// JobControlOp is the closed set of control operations a JobControlRequest
// may carry.
type JobControlOp int

const (
	JobControlStart JobControlOp = iota
	JobControlStopGraceful
	JobControlStopForceful
)

// ClientHello is sent C->S to identify a worker client.
type ClientHello struct {
	ClientID           string         `json:"client_id,omitempty"`
	Version            model.Version  `json:"version"`
	RestrictedMode     bool           `json:"restricted_mode"`
	AuthMethod         string         `json:"auth_method,omitempty"`
	AuthID             string         `json:"auth_id,omitempty"`
	AuthCredentials    string         `json:"auth_credentials,omitempty"`
	RequireServerAuth  bool           `json:"require_server_auth,omitempty"`
}

// MonitorClientHello is sent C->S by a resource-monitor client; it carries
// everything ClientHello does plus the monitor classes it can run.
type MonitorClientHello struct {
	ClientHello
	MonitorClasses []string `json:"monitor_classes"`
}

// ClientManagerHello announces a process that can spawn worker clients.
type ClientManagerHello struct {
	ClientManagerID string `json:"client_manager_id,omitempty"`
	MaxClients      int    `json:"max_clients"`
}

// ServerHello is the S->C handshake result.
type ServerHello struct {
	ResultCode      ResultCode `json:"result_code"`
	ResultMessage   string     `json:"result_message,omitempty"`
	ServerVersion   model.Version `json:"server_version"`
	AuthReply       string     `json:"auth_reply,omitempty"`
}

// ClassTransferRequest asks the server for one or more job-class bodies.
type ClassTransferRequest struct {
	ClassNames          []string `json:"class_names"`
	IncludeDependencies bool     `json:"include_dependencies,omitempty"`
}

// ClassBytes is one named class body within a ClassTransferResponse.
type ClassBytes struct {
	ClassName string `json:"class_name"`
	Bytes     []byte `json:"class_bytes"`
}

// ClassTransferResponse replies with class bodies or an error.
type ClassTransferResponse struct {
	ResultCode    ResultCode   `json:"result_code"`
	ResultMessage string       `json:"result_message,omitempty"`
	Classes       []ClassBytes `json:"classes,omitempty"`
}

// ClientUpgradeRequest/Response carry a client binary update.
type ClientUpgradeRequest struct {
	UpgradeFileName string `json:"upgrade_file_name"`
}

type ClientUpgradeResponse struct {
	ResultCode      ResultCode `json:"result_code"`
	UpgradeFileName string     `json:"upgrade_file_name,omitempty"`
	UpgradeFileData []byte     `json:"upgrade_file_data,omitempty"`
}

// JobRequest is S->C: everything a client needs to start one job.
type JobRequest struct {
	JobID                    string            `json:"job_id"`
	ClassName                string            `json:"class_name"`
	ClassVersion             string            `json:"class_version,omitempty"`
	StartTime                int64             `json:"start_time"` // epoch millis
	DurationSeconds          int               `json:"duration,omitempty"`
	CollectionIntervalSecond int               `json:"collection_interval"`
	ThreadsPerClient         int               `json:"threads_per_client"`
	ThreadStartupDelayMillis int               `json:"thread_startup_delay_millis"`
	Parameters               []model.Parameter `json:"parameter_list,omitempty"`
	ReportInProgressStats    bool              `json:"report_in_progress_stats"`
	InProgressReportInterval int               `json:"in_progress_report_interval"`
	ClientNumber             int               `json:"client_number"` // zero-based rank within reserved set
}

// JobResponse is C->S: immediate accept/reject of a JobRequest.
type JobResponse struct {
	JobID         string     `json:"job_id"`
	ResultCode    ResultCode `json:"result_code"`
	ResultMessage string     `json:"result_message,omitempty"`
}

// JobControlRequest is S->C: a named control op for a running job.
type JobControlRequest struct {
	JobID     string       `json:"job_id"`
	Operation JobControlOp `json:"job_control_operation"`
}

// RegisterStatistic announces a statistic display name a client will report.
type RegisterStatistic struct {
	JobID       string `json:"job_id"`
	ClientID    string `json:"client_id"`
	ThreadIndex int    `json:"thread_index"`
	DisplayName string `json:"display_name"`
}

// ReportStatistic is a periodic in-progress payload; the data itself is an
// opaque tagged subsequence the scheduler never interprets.
type ReportStatistic struct {
	JobID          string `json:"job_id"`
	InProgressData []byte `json:"in_progress_data"`
}

// JobCompleted is C->S: the final outcome of a job.
type JobCompleted struct {
	JobID               string    `json:"job_id"`
	JobState            string    `json:"job_state"`
	ActualStartTime     int64     `json:"actual_start_time,omitempty"`
	ActualStopTime      int64     `json:"actual_stop_time,omitempty"`
	ActualDuration      int64     `json:"actual_duration,omitempty"` // millis
	StatTrackers        []byte    `json:"stat_trackers,omitempty"`
	MonitorTrackers     []byte    `json:"monitor_trackers,omitempty"`
	UploadedFiles       []ClassBytes `json:"uploaded_files,omitempty"`
	LogMessages         []string  `json:"log_messages,omitempty"`
}

// StatusRequest/Response report client + current-job state.
type StatusRequest struct{}

type StatusResponse struct {
	ClientState string `json:"client_state"`
	JobID       string `json:"job_id,omitempty"`
	JobState    string `json:"job_state,omitempty"`
}

// KeepAlive carries no payload; used to defeat middlebox idle timeouts and
// probe liveness in either direction.
type KeepAlive struct{}

// ClientDisconnect is C->S: a graceful-close notice.
type ClientDisconnect struct {
	Reason string `json:"disconnect_reason,omitempty"`
}

// ServerDisconnect is S->C: a graceful-close notice.
type ServerDisconnect struct {
	Reason            string `json:"disconnect_reason,omitempty"`
	IsTransient       bool   `json:"is_transient"`
	ClientShouldClose bool   `json:"client_should_close"`
}
