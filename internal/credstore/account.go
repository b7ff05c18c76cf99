package credstore

// TokenState is the last observed liveness of an account's session cookie.
type TokenState string

const (
	TokenUnknown TokenState = "unknown"
	TokenWorking TokenState = "working"
	TokenFailed  TokenState = "failed"
)

// Credential is the immutable part of an account record.
type Credential struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	Email           string `json:"email,omitempty"`
	EmailPassword   string `json:"emailPassword,omitempty"`
	AuthToken       string `json:"authToken,omitempty"`
	TwoFactorSecret string `json:"twoFactorSecret,omitempty"`
}

// Account is the persisted state of one upstream account.
// Timestamps are ms since epoch; zero means unset.
type Account struct {
	Credential

	TokenState       TokenState `json:"tokenState"`
	FailedLogin      bool       `json:"failedLogin"`
	LastUsed         int64      `json:"lastUsed,omitempty"`
	LastFailedAt     int64      `json:"lastFailedAt,omitempty"`
	RateLimitedUntil int64      `json:"rateLimitedUntil,omitempty"`
	AssignedProxy    string     `json:"assignedProxy,omitempty"`
}

// Clone returns a copy safe to hand out of the store.
func (a *Account) Clone() *Account {
	cp := *a
	return &cp
}
