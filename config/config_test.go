package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"escrowchain/crypto"
)

func testAddress(b byte) string {
	var raw [20]byte
	raw[0] = b
	raw[19] = b
	return crypto.MustNewAddress(crypto.EscrowPrefix, raw[:]).String()
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	return writeConfigNamed(t, "escrowd.toml", contents)
}

func writeConfigNamed(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesSections(t *testing.T) {
	sender, receiver, arbitrator := testAddress(1), testAddress(2), testAddress(3)
	path := writeConfig(t, fmt.Sprintf(`ListenAddress = "127.0.0.1:9100"
DataDir = "/var/lib/escrow"
Environment = "staging"
LogLevel = "debug"

[Parties]
Sender = "%s"
Receiver = "%s"
Arbitrator = "%s"

[[Genesis]]
Address = "%s"
Balance = "340282366920938463463374607431768211456"

[Auth]
TimestampSkewSeconds = 30

[RateLimit]
RequestsPerMinute = 12.5
Burst = 3

[Telemetry]
Endpoint = "otel:4318"
Insecure = true
Traces = true
Headers = "api-key=abc"
SampleRatio = 0.25
`, sender, receiver, arbitrator, sender))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9100" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.JournalPath != filepath.Join("/var/lib/escrow", "journal.db") {
		t.Fatalf("unexpected journal path %q", cfg.JournalPath)
	}
	if cfg.Auth.Skew().Seconds() != 30 {
		t.Fatalf("unexpected skew %s", cfg.Auth.Skew())
	}
	if cfg.RateLimit.RequestsPerMinute != 12.5 || cfg.RateLimit.Burst != 3 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if !cfg.Telemetry.Traces || cfg.Telemetry.Metrics || cfg.Telemetry.SampleRatio != 0.25 {
		t.Fatalf("unexpected telemetry %+v", cfg.Telemetry)
	}

	parties, err := cfg.EscrowParties()
	if err != nil {
		t.Fatalf("parties: %v", err)
	}
	if parties.Sender.String() != sender || parties.Arbitrator.String() != arbitrator {
		t.Fatalf("unexpected parties %+v", parties)
	}
	allocs, err := cfg.GenesisAllocations()
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if len(allocs) != 1 || allocs[0].Balance.Dec() != "340282366920938463463374607431768211456" {
		t.Fatalf("unexpected allocations %+v", allocs)
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	sender, receiver := testAddress(1), testAddress(2)
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "unknown field",
			body:    "Bogus = 1\n",
			wantErr: "unknown field",
		},
		{
			name:    "duplicate party",
			body:    fmt.Sprintf("[Parties]\nSender = %q\nReceiver = %q\nArbitrator = %q\n", sender, receiver, sender),
			wantErr: "invalid parties",
		},
		{
			name: "foreign prefix",
			body: fmt.Sprintf("[Parties]\nSender = %q\nReceiver = %q\nArbitrator = %q\n",
				sender, receiver, crypto.MustNewAddress(crypto.AddressPrefix("nhb"), make([]byte, 20)).String()),
			wantErr: "Arbitrator",
		},
		{
			name: "bad genesis balance",
			body: fmt.Sprintf("[Parties]\nSender = %q\nReceiver = %q\nArbitrator = %q\n[[Genesis]]\nAddress = %q\nBalance = \"-5\"\n",
				sender, receiver, testAddress(3), sender),
			wantErr: "genesis[0]",
		},
		{
			name: "storage backend",
			body: fmt.Sprintf("StorageBackend = \"rocksdb\"\n[Parties]\nSender = %q\nReceiver = %q\nArbitrator = %q\n",
				sender, receiver, testAddress(3)),
			wantErr: "unknown backend",
		},
		{
			name: "read token issuer without secret",
			body: fmt.Sprintf("[Parties]\nSender = %q\nReceiver = %q\nArbitrator = %q\n[Auth]\nReadTokenIssuer = \"escrowd\"\n",
				sender, receiver, testAddress(3)),
			wantErr: "ReadTokenSecret",
		},
		{
			name: "sample ratio",
			body: fmt.Sprintf("[Parties]\nSender = %q\nReceiver = %q\nArbitrator = %q\n[Telemetry]\nSampleRatio = 2.0\n",
				sender, receiver, testAddress(3)),
			wantErr: "SampleRatio",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrowd.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not persisted: %v", err)
	}
	for _, role := range []string{"sender", "receiver", "arbitrator"} {
		if _, err := os.Stat(filepath.Join(dir, "keys", role+".keystore")); err != nil {
			t.Fatalf("missing %s keystore: %v", role, err)
		}
	}
	key, err := crypto.NewPartyKeys(cfg.KeystoreDir).Load("sender", "")
	if err != nil {
		t.Fatalf("load sender key: %v", err)
	}
	if key.PubKey().Address().String() != cfg.Parties.Sender {
		t.Fatalf("sender keystore does not match configured sender")
	}
	if len(cfg.Genesis) != 1 || cfg.Genesis[0].Balance != DefaultGenesisBalance {
		t.Fatalf("unexpected default genesis %+v", cfg.Genesis)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Parties != cfg.Parties || reloaded.ListenAddress != cfg.ListenAddress {
		t.Fatalf("reloaded config differs: %+v vs %+v", reloaded, cfg)
	}
}

func TestLoadYAML(t *testing.T) {
	sender, receiver, arbitrator := testAddress(1), testAddress(2), testAddress(3)
	path := writeConfigNamed(t, "escrowd.yaml", fmt.Sprintf(`listenAddress: "127.0.0.1:9200"
dataDir: /srv/escrow
storageBackend: bolt
parties:
  sender: %s
  receiver: %s
  arbitrator: %s
genesis:
  - address: %s
    balance: "500"
auth:
  timestampSkewSeconds: 45
  readTokenSecret: reader-secret
  readTokenAudience: auditors
rateLimit:
  requestsPerMinute: 30
  burst: 4
`, sender, receiver, arbitrator, sender))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9200" || cfg.StorageBackend != "bolt" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Auth.Skew().Seconds() != 45 || cfg.Auth.ReadTokenSecret != "reader-secret" || cfg.Auth.ReadTokenAudience != "auditors" {
		t.Fatalf("unexpected auth %+v", cfg.Auth)
	}
	if cfg.RateLimit.Burst != 4 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.JournalPath != filepath.Join("/srv/escrow", "journal.db") {
		t.Fatalf("unexpected journal path %q", cfg.JournalPath)
	}
	allocs, err := cfg.GenesisAllocations()
	if err != nil || len(allocs) != 1 || allocs[0].Balance.Uint64() != 500 {
		t.Fatalf("unexpected allocations %+v (%v)", allocs, err)
	}
}

func TestLoadYAMLRejectsUnknownField(t *testing.T) {
	path := writeConfigNamed(t, "escrowd.yml", "bogus: 1\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "decode yaml") {
		t.Fatalf("expected yaml decode error, got %v", err)
	}
}

func TestLoadCreatesYAMLDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.StorageBackend != "leveldb" {
		t.Fatalf("unexpected default backend %q", cfg.StorageBackend)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read persisted config: %v", err)
	}
	if !strings.Contains(string(raw), "parties:") {
		t.Fatalf("expected yaml output, got:\n%s", raw)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Parties != cfg.Parties {
		t.Fatalf("reloaded parties differ: %+v vs %+v", reloaded.Parties, cfg.Parties)
	}
}
