package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	serverEnv     = "ESCROW_SERVER"
	passphraseEnv = "ESCROW_KEY_PASSPHRASE"
	keysDirEnv    = "ESCROW_KEYS"
	readTokenEnv  = "ESCROW_READ_TOKEN"
	secretEnv     = "ESCROWD_READ_TOKEN_SECRET"
	defaultServer = "http://localhost:8090"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "generate-key":
		return runGenerateKey(args[1:], stdout, stderr)
	case "state":
		return runState(args[1:], stdout, stderr)
	case "events":
		return runEvents(args[1:], stdout, stderr)
	case "export":
		return runExport(args[1:], stdout, stderr)
	case "verify":
		return runVerify(args[1:], stdout, stderr)
	case "issue-token":
		return runIssueToken(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "deposit":
		return runDeposit(args[1:], stdout, stderr)
	case "confirm":
		return runSigned("confirm", "/escrow/confirm", "receiver", args[1:], stdout, stderr)
	case "dispute":
		return runSigned("dispute", "/escrow/dispute", "", args[1:], stdout, stderr)
	case "cancel":
		return runSigned("cancel", "/escrow/cancel", "sender", args[1:], stdout, stderr)
	case "arbitrate":
		return runArbitrate(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli <command> [flags]

Commands:
  generate-key Create a party keystore and print its address
  state        Show the escrow parties, amount and state
  events       List journaled escrow events
  export       Write journaled events to a Parquet file
  verify       Check the journal digest chain
  issue-token  Mint a read token for the journal endpoints
  balance      Show the ledger balance of an address
  deposit      Deposit the escrow amount (sender)
  confirm      Confirm receipt and release funds (receiver)
  dispute      Raise a dispute (sender or receiver)
  arbitrate    Resolve a dispute (arbitrator)
  cancel       Cancel before payment (sender)

Environment:
  ESCROW_SERVER          escrowd base URL (default http://localhost:8090)
  ESCROW_KEY_PASSPHRASE  keystore passphrase; prompted when unset
  ESCROW_KEYS            directory of party keystores used with --as
  ESCROW_READ_TOKEN      bearer token sent with read requests
  ESCROWD_READ_TOKEN_SECRET  HMAC secret used by issue-token
`)
}
