// protocol.go defines the IPC protocol between rootprobe and rootprobe-helper.
// Communication uses one JSON request and one JSON response per connection over
// a Unix domain socket.
package helper

// DefaultSocketPath is where rootprobe-helper listens unless configured otherwise.
const DefaultSocketPath = "/run/rootprobe/helper.sock"

// RequestType identifies the type of privileged operation requested.
type RequestType string

const (
	// RequestTypeExecute requests command execution with root privileges.
	RequestTypeExecute RequestType = "execute"
	// RequestTypePing checks the helper is alive and running as root.
	RequestTypePing RequestType = "ping"
)

// Request is sent from rootprobe to the helper.
type Request struct {
	Type    RequestType `json:"type"`
	Command string      `json:"command,omitempty"`
	Timeout int64       `json:"timeout_ms"`
}

// Response is sent from the helper back to rootprobe.
// Success is false only when the helper could not run the command at all;
// a command exiting non-zero is still a successful response.
type Response struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Duration int64  `json:"duration_ms"`
	TimedOut bool   `json:"timed_out"`
	UID      int    `json:"uid"`
}
