package domain

import "time"

// Broker identifies one of the supported brokerage back-ends.
type Broker string

const (
	// BrokerTradex is the OAuth futures broker: password-grant login,
	// short-lived access tokens, REST order placement, JSON streaming.
	BrokerTradex Broker = "tradex"

	// BrokerPropfirm is the prop-firm gateway: long-lived API key,
	// REST order placement, record-separator-framed streaming.
	BrokerPropfirm Broker = "propfirm"

	// BrokerEquitix is the equity/options broker: HMAC-signed REST,
	// no streaming (the reconciler is its consistency fallback).
	BrokerEquitix Broker = "equitix"
)

// Environment selects the broker-side environment an account trades in.
type Environment string

const (
	EnvLive Environment = "live"
	EnvDemo Environment = "demo"
)

// User is the owning identity for strategies, traders, and accounts.
type User struct {
	ID        int64
	Email     string
	Approved  bool
	CreatedAt time.Time
}

// Credentials is the broker-specific secret material for one account.
// Exactly the fields relevant to the account's broker are populated:
// Tradex uses Username/Password plus the managed token pair, Propfirm
// uses APIKey, Equitix uses APIKey/APISecret. The blob is stored
// encrypted at rest; only the credential keeper and the store's
// decrypting reads ever see it in the clear.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenExpiry  time.Time `json:"token_expiry,omitempty"`

	APIKey    string `json:"api_key,omitempty"`
	APISecret string `json:"api_secret,omitempty"`
}

// HasOAuthToken reports whether these credentials carry a managed
// short-lived token (and therefore belong in the keeper's sweep).
func (c Credentials) HasOAuthToken() bool {
	return c.Username != "" && c.Password != ""
}

// Account is one brokerage account. Multiple accounts may share one
// credential set (common with prop-firm subaccounts); the streaming hub
// coalesces them onto one connection via the token key.
type Account struct {
	ID           int64
	UserID       int64
	Broker       Broker
	Environment  Environment
	Name         string
	Subaccount   string // broker-side account/subaccount identifier
	Credentials  Credentials
	Enabled      bool
	NeedsReauth  bool
	ReauthReason string
	CreatedAt    time.Time
}

// Ref builds the per-call account reference handed to broker adapters.
func (a Account) Ref() AccountRef {
	return AccountRef{
		AccountID:   a.ID,
		Broker:      a.Broker,
		Environment: a.Environment,
		Subaccount:  a.Subaccount,
		Auth:        a.Credentials,
	}
}

// AccountRef is the minimal per-call identity + auth bundle for one
// adapter invocation. Tokens rotate, so callers fetch a fresh ref from
// the keeper per task and never cache across task boundaries.
type AccountRef struct {
	AccountID   int64
	Broker      Broker
	Environment Environment
	Subaccount  string
	Auth        Credentials
}
