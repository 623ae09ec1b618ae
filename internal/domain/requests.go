package domain

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	ActiveCredentials int    `json:"active_credentials"`
	DaemonRunning     bool   `json:"daemon_running"`
}

// StatusCredential is one masked entry of GET /status.
type StatusCredential struct {
	Masked  string   `json:"masked"`
	Balance *float64 `json:"balance"`
	Active  bool     `json:"active"`
	Tunnel  *string  `json:"tunnel"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Credentials []StatusCredential `json:"credentials"`
}

// ErrorResponse is the JSON body returned for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

// AddKeyRequest is the admin body for admitting a credential.
type AddKeyRequest struct {
	Key      string `json:"key"`
	TunnelID *int64 `json:"tunnel_id,omitempty"`
}

// BindKeyRequest is the admin body for rebinding a credential.
type BindKeyRequest struct {
	TunnelID *int64 `json:"tunnel_id"`
}

// AddTunnelRequest is the admin body for adding a tunnel link.
type AddTunnelRequest struct {
	URL string `json:"url"`
}

// CreateTokenRequest is the admin body for issuing a service token.
type CreateTokenRequest struct {
	Name string `json:"name"`
}

// CreateTokenResponse carries a newly issued token. Token is only ever
// returned here.
type CreateTokenResponse struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// Event is one message on the admin event stream.
type Event struct {
	Kind    string       `json:"kind"`
	Cycle   *CycleReport `json:"cycle,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Event kinds.
const (
	EventCycle         = "cycle"
	EventDaemonRestart = "daemon_restart"
	EventDaemonStop    = "daemon_stop"
)
