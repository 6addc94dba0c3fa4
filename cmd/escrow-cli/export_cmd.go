package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"escrowchain/services/escrowd"
)

const exportPageSize = 500

type eventRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest     string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func runExport(args []string, stdout, stderr io.Writer) int {
	var (
		common commonFlags
		out    string
		after  int64
	)
	fs := newFlagSet("export", stderr, &common)
	fs.StringVar(&out, "out", "", "parquet file to write")
	fs.Int64Var(&after, "after", 0, "only export events after this sequence")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if out == "" {
		return printError(stderr, "--out is required")
	}
	if after < 0 {
		return printError(stderr, "--after must be >= 0")
	}
	entries, err := fetchEvents(common.server, after)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := writeEventsParquet(out, entries); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "exported %d events to %s\n", len(entries), out)
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("verify", stderr, &common)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return doRequest(common.server, http.MethodGet, "/escrow/journal/verify", nil, nil, stdout, stderr)
}

func runIssueToken(args []string, stdout, stderr io.Writer) int {
	var (
		common commonFlags
		auth   escrowd.ReadAuth
		sub    string
		ttl    time.Duration
	)
	fs := newFlagSet("issue-token", stderr, &common)
	fs.StringVar(&auth.Issuer, "issuer", "", "token issuer (must match escrowd)")
	fs.StringVar(&auth.Audience, "audience", "", "token audience (must match escrowd)")
	fs.StringVar(&sub, "subject", "escrow-cli", "token subject")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	auth.Secret = strings.TrimSpace(os.Getenv(secretEnv))
	if auth.Secret == "" {
		return printError(stderr, secretEnv+" must be set")
	}
	token, err := escrowd.IssueReadToken(auth, sub, ttl, escrowNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func fetchEvents(server string, after int64) ([]escrowd.JournalEntry, error) {
	var all []escrowd.JournalEntry
	for {
		query := url.Values{}
		query.Set("after", strconv.FormatInt(after, 10))
		query.Set("limit", strconv.Itoa(exportPageSize))
		req, err := http.NewRequest(http.MethodGet, strings.TrimRight(server, "/")+"/escrow/events?"+query.Encode(), nil)
		if err != nil {
			return nil, err
		}
		if token := readToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		var page struct {
			Events []escrowd.JournalEntry `json:"events"`
			Error  string                 `json:"error"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("escrowd error %d: %s", resp.StatusCode, page.Error)
		}
		if err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		all = append(all, page.Events...)
		if len(page.Events) < exportPageSize {
			return all, nil
		}
		after = page.Events[len(page.Events)-1].Sequence
	}
}

func writeEventsParquet(path string, entries []escrowd.JournalEntry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(eventRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, entry := range entries {
		attrs, err := json.Marshal(entry.Attributes)
		if err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: encode attributes: %w", err)
		}
		row := &eventRow{
			Sequence:   entry.Sequence,
			ID:         entry.ID,
			Type:       entry.Type,
			Attributes: string(attrs),
			CreatedAt:  entry.CreatedAt.UTC().Format(time.RFC3339Nano),
			Digest:     entry.Digest,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close parquet file: %w", err)
	}
	return nil
}
