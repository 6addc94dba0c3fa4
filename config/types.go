package config

import "time"

// Parties names the three escrow participants by bech32 address.
type Parties struct {
	Sender     string `toml:"Sender" yaml:"sender"`
	Receiver   string `toml:"Receiver" yaml:"receiver"`
	Arbitrator string `toml:"Arbitrator" yaml:"arbitrator"`
}

// GenesisAccount credits an initial ledger balance. Balance is a base-10
// integer string so values above 2^64 survive TOML.
type GenesisAccount struct {
	Address string `toml:"Address" yaml:"address"`
	Balance string `toml:"Balance" yaml:"balance"`
}

// Auth controls request signature verification and the bearer tokens that
// guard the journal endpoints.
type Auth struct {
	TimestampSkewSeconds int64  `toml:"TimestampSkewSeconds" yaml:"timestampSkewSeconds"`
	ReadTokenSecret      string `toml:"ReadTokenSecret,omitempty" yaml:"readTokenSecret,omitempty"`
	ReadTokenIssuer      string `toml:"ReadTokenIssuer,omitempty" yaml:"readTokenIssuer,omitempty"`
	ReadTokenAudience    string `toml:"ReadTokenAudience,omitempty" yaml:"readTokenAudience,omitempty"`
}

// Skew returns the accepted clock skew for signed requests.
func (a Auth) Skew() time.Duration {
	return time.Duration(a.TimestampSkewSeconds) * time.Second
}

// RateLimit defines the per-caller token bucket on mutating routes.
type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute" yaml:"requestsPerMinute"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sampleRatio"`
}
