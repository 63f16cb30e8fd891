package api

// LoginRequest is the /login body. Both JSON and form posts bind.
type LoginRequest struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

// SignupResponse is returned by a successful /signup.
type SignupResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// StatusResponse is the body of /login and /health.
type StatusResponse struct {
	Status string `json:"status"`
}

// CleanupResponse is returned by POST /admin/cleanup.
type CleanupResponse struct {
	Deleted int64  `json:"deleted"`
	Message string `json:"message"`
}

// StatsResponse is returned by GET /admin/db-stats.
type StatsResponse struct {
	ActiveAuthorizationCodes int64 `json:"active_authorization_codes"`
}
