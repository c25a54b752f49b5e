package credential

import "time"

// Record is the single credential set guarding the server. The plaintext
// password is never stored.
type Record struct {
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"`
	CreatedAt    time.Time  `json:"created_at"`
	DisabledAt   *time.Time `json:"disabled_at,omitempty"`
}

// Status is the record without its hash.
type Status struct {
	Configured bool       `json:"configured"`
	Enabled    bool       `json:"enabled"`
	Username   string     `json:"username,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
}
