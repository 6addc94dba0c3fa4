package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"escrowchain/cmd/internal/passphrase"
	"escrowchain/crypto"
	"escrowchain/services/escrowd"
)

var (
	escrowNow     = time.Now
	httpClient    = &http.Client{Timeout: 15 * time.Second}
	keyPassphrase = passphrase.NewSource(passphraseEnv, "party key").AllowEmpty().Get
	readToken     = func() string { return strings.TrimSpace(os.Getenv(readTokenEnv)) }
)

type commonFlags struct {
	server string
}

func newFlagSet(name string, stderr io.Writer, common *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage())
	}
	fs.StringVar(&common.server, "server", defaultServerURL(), "escrowd base URL")
	return fs
}

func defaultServerURL() string {
	if v := strings.TrimSpace(os.Getenv(serverEnv)); v != "" {
		return v
	}
	return defaultServer
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

// partyKey selects the signing key either by file or by party label inside a
// key directory.
type partyKey struct {
	path string
	dir  string
	role string
}

func (k *partyKey) register(fs *flag.FlagSet, role string) {
	fs.StringVar(&k.path, "key", "", "party keystore file")
	fs.StringVar(&k.dir, "keys", strings.TrimSpace(os.Getenv(keysDirEnv)), "directory of party keystores")
	fs.StringVar(&k.role, "as", role, "party label inside --keys")
}

func (k *partyKey) validate() error {
	switch {
	case k.path == "" && k.dir == "":
		return errors.New("--key is required unless --keys is set")
	case k.path == "" && k.role == "":
		return errors.New("--as is required with --keys")
	}
	return nil
}

func (k *partyKey) load(pass string) (*crypto.PrivateKey, error) {
	if k.path != "" {
		return crypto.ReadKeystore(k.path, pass)
	}
	return crypto.NewPartyKeys(k.dir).Load(k.role, pass)
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func runGenerateKey(args []string, stdout, stderr io.Writer) int {
	var (
		common commonFlags
		out    string
		dir    string
		role   string
	)
	fs := newFlagSet("generate-key", stderr, &common)
	fs.StringVar(&out, "out", "", "keystore file to create")
	fs.StringVar(&dir, "keys", "", "directory of party keystores")
	fs.StringVar(&role, "as", "", "party label of the key inside --keys")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if out == "" && (dir == "" || role == "") {
		return printError(stderr, "--out is required unless --keys and --as are set")
	}
	pass, err := keyPassphrase()
	if err != nil {
		return printError(stderr, err.Error())
	}
	var key *crypto.PrivateKey
	if out != "" {
		key, err = crypto.GeneratePrivateKey()
		if err == nil {
			err = crypto.WriteKeystore(out, key, pass)
		}
	} else {
		key, err = crypto.NewPartyKeys(dir).Generate(role, pass)
	}
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runState(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("state", stderr, &common)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return doRequest(common.server, http.MethodGet, "/escrow", nil, nil, stdout, stderr)
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	var (
		common commonFlags
		after  int64
		limit  int
	)
	fs := newFlagSet("events", stderr, &common)
	fs.Int64Var(&after, "after", 0, "only list events after this sequence")
	fs.IntVar(&limit, "limit", 100, "maximum number of events")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if after < 0 || limit <= 0 {
		return printError(stderr, "--after must be >= 0 and --limit > 0")
	}
	query := url.Values{}
	query.Set("after", strconv.FormatInt(after, 10))
	query.Set("limit", strconv.Itoa(limit))
	return doRequest(common.server, http.MethodGet, "/escrow/events?"+query.Encode(), nil, nil, stdout, stderr)
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	var (
		common  commonFlags
		address string
	)
	fs := newFlagSet("balance", stderr, &common)
	fs.StringVar(&address, "address", "", "bech32 escrow address")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if _, err := crypto.DecodeEscrowAddress(address); err != nil {
		return printError(stderr, "--address must be an esc bech32 address")
	}
	return doRequest(common.server, http.MethodGet, "/accounts/"+url.PathEscape(address), nil, nil, stdout, stderr)
}

func runDeposit(args []string, stdout, stderr io.Writer) int {
	var (
		common commonFlags
		key    partyKey
		amount string
	)
	fs := newFlagSet("deposit", stderr, &common)
	key.register(fs, "sender")
	fs.StringVar(&amount, "amount", "", "amount to deposit (supports 100e18 shorthand)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	normalized, err := normalizeAmount(amount)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := key.validate(); err != nil {
		return printError(stderr, err.Error())
	}
	return doSigned(common.server, "/escrow/deposit", &key, map[string]string{"amount": normalized}, stdout, stderr)
}

func runArbitrate(args []string, stdout, stderr io.Writer) int {
	var (
		common   commonFlags
		key      partyKey
		decision string
	)
	fs := newFlagSet("arbitrate", stderr, &common)
	key.register(fs, "arbitrator")
	fs.StringVar(&decision, "decision", "", "release (to receiver) or refund (to sender)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	decision = strings.ToLower(strings.TrimSpace(decision))
	if decision != "release" && decision != "refund" {
		return printError(stderr, "--decision must be release or refund")
	}
	if err := key.validate(); err != nil {
		return printError(stderr, err.Error())
	}
	return doSigned(common.server, "/escrow/arbitrate", &key, map[string]string{"decision": decision}, stdout, stderr)
}

// runSigned posts an empty signed request. role is the default party label
// used with --keys.
func runSigned(name, path, role string, args []string, stdout, stderr io.Writer) int {
	var (
		common commonFlags
		key    partyKey
	)
	fs := newFlagSet(name, stderr, &common)
	key.register(fs, role)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := key.validate(); err != nil {
		return printError(stderr, err.Error())
	}
	return doSigned(common.server, path, &key, nil, stdout, stderr)
}

func doSigned(server, path string, party *partyKey, payload interface{}, stdout, stderr io.Writer) int {
	pass, err := keyPassphrase()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := party.load(pass)
	if err != nil {
		return printError(stderr, fmt.Sprintf("load key: %v", err))
	}
	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return printError(stderr, err.Error())
		}
	}
	return doRequest(server, http.MethodPost, path, body, key, stdout, stderr)
}

func doRequest(server, method, path string, body []byte, key *crypto.PrivateKey, stdout, stderr io.Writer) int {
	req, err := http.NewRequest(method, strings.TrimRight(server, "/")+path, bytes.NewReader(body))
	if err != nil {
		return printError(stderr, err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := readToken(); token != "" && method == http.MethodGet {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if key != nil {
		if err := escrowd.SignRequest(req, key, body, escrowNow()); err != nil {
			return printError(stderr, err.Error())
		}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "Request failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(stderr, "Read response: %v\n", err)
		return 1
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			fmt.Fprintf(stderr, "escrowd error %d: %s\n", resp.StatusCode, apiErr.Error)
		} else {
			fmt.Fprintf(stderr, "escrowd error %d: %s\n", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return 1
	}
	writeResult(stdout, data)
	return 0
}

func writeResult(w io.Writer, data []byte) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, bytes.TrimSpace(data), "", "  "); err != nil {
		fmt.Fprintln(w, strings.TrimSpace(string(data)))
		return
	}
	fmt.Fprintln(w, pretty.String())
}

// normalizeAmount converts integer amounts with optional underscores and an
// eN exponent (100e18) into a plain base-10 string.
func normalizeAmount(value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("--amount is required")
	}
	base := strings.TrimPrefix(trimmed, "+")
	exponent := 0
	if idx := strings.IndexAny(base, "eE"); idx != -1 {
		exp, err := strconv.Atoi(base[idx+1:])
		if err != nil || exp < 0 || exp > 77 {
			return "", fmt.Errorf("invalid exponent in --amount")
		}
		exponent = exp
		base = base[:idx]
	}
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("--amount must be positive")
	}
	if base == "" {
		return "", fmt.Errorf("invalid amount format")
	}
	for _, r := range base {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("invalid amount format")
		}
	}
	digits := strings.TrimLeft(base+strings.Repeat("0", exponent), "0")
	if digits == "" {
		return "", fmt.Errorf("--amount must be positive")
	}
	return digits, nil
}
