package escrowd

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"

	"escrowchain/core/events"
	"escrowchain/core/types"
)

const journalWriteTimeout = 5 * time.Second

// ErrJournalTampered is returned by Verify when a stored digest does not match
// the recomputed chain.
var ErrJournalTampered = errors.New("journal: digest chain broken")

// JournalEntry is a persisted domain event. Digest chains each entry to its
// predecessor.
type JournalEntry struct {
	Sequence   int64             `json:"sequence"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
	Digest     string            `json:"digest"`
}

// Journal is an append-only sqlite log of the events published by the escrow.
// It implements events.Emitter.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	nowFn  func() time.Time
	notify func(JournalEntry)

	mu   sync.Mutex
	head [32]byte
}

var _ events.Emitter = (*Journal)(nil)

// OpenJournal opens (creating when needed) the journal database at path.
func OpenJournal(path string, logger *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{db: db, logger: logger, nowFn: time.Now}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	const schema = `CREATE TABLE IF NOT EXISTS escrow_events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT NOT NULL UNIQUE,
            type TEXT NOT NULL,
            attributes TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            digest TEXT NOT NULL
        );`
	if _, err := j.db.Exec(schema); err != nil {
		return err
	}
	var last string
	err := j.db.QueryRow(`SELECT digest FROM escrow_events ORDER BY sequence DESC LIMIT 1`).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return err
	}
	head, err := decodeDigest(last)
	if err != nil {
		return err
	}
	j.head = head
	return nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// OnAppend registers fn to receive every entry after it is stored. fn runs
// under the journal lock and must not block.
func (j *Journal) OnAppend(fn func(JournalEntry)) {
	j.mu.Lock()
	j.notify = fn
	j.mu.Unlock()
}

// Emit appends the event. Failures are logged since emitters cannot return
// errors to the escrow.
func (j *Journal) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if _, err := j.Append(ctx, evt); err != nil {
		j.logger.Error("journal append failed",
			slog.String("component", "journal"),
			slog.String("type", evt.EventType()),
			slog.Any("error", err))
	}
}

// Append writes the event and returns the stored entry.
func (j *Journal) Append(ctx context.Context, evt events.Event) (*JournalEntry, error) {
	entry := &JournalEntry{
		ID:         uuid.NewString(),
		Type:       evt.EventType(),
		Attributes: map[string]string{},
		CreatedAt:  j.nowFn().UTC(),
	}
	if payload, ok := evt.(events.Payload); ok {
		if rendered := payload.Event().Clone(); rendered != nil {
			entry.Type = rendered.Type
			entry.Attributes = rendered.Attributes
		}
	}
	attrs, err := json.Marshal(entry.Attributes)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}

	j.mu.Lock()
	digest := chainDigest(j.head, entry.Type, entry.Attributes)
	entry.Digest = hex.EncodeToString(digest[:])
	const stmt = `INSERT INTO escrow_events(id, type, attributes, created_at, digest) VALUES(?, ?, ?, ?, ?)`
	res, err := j.db.ExecContext(ctx, stmt, entry.ID, entry.Type, string(attrs), entry.CreatedAt.UnixNano(), entry.Digest)
	if err != nil {
		j.mu.Unlock()
		return nil, fmt.Errorf("journal: insert: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		j.mu.Unlock()
		return nil, fmt.Errorf("journal: sequence: %w", err)
	}
	j.head = digest
	entry.Sequence = seq
	if j.notify != nil {
		j.notify(*entry)
	}
	j.mu.Unlock()
	return entry, nil
}

// List returns up to limit entries with a sequence greater than after, in
// append order.
func (j *Journal) List(ctx context.Context, after int64, limit int) ([]JournalEntry, error) {
	if limit <= 0 || limit > maxEventsPage {
		limit = maxEventsPage
	}
	const query = `SELECT sequence, id, type, attributes, created_at, digest FROM escrow_events WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			entry   JournalEntry
			attrs   string
			created int64
		)
		if err := rows.Scan(&entry.Sequence, &entry.ID, &entry.Type, &attrs, &created, &entry.Digest); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("journal: decode attributes: %w", err)
		}
		entry.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Verify recomputes the digest chain over every entry and returns the number
// of entries checked.
func (j *Journal) Verify(ctx context.Context) (int, error) {
	var (
		prev    [32]byte
		after   int64
		checked int
	)
	for {
		page, err := j.List(ctx, after, maxEventsPage)
		if err != nil {
			return checked, err
		}
		for _, entry := range page {
			want := chainDigest(prev, entry.Type, entry.Attributes)
			if hex.EncodeToString(want[:]) != entry.Digest {
				return checked, fmt.Errorf("%w at sequence %d", ErrJournalTampered, entry.Sequence)
			}
			prev = want
			after = entry.Sequence
			checked++
		}
		if len(page) < maxEventsPage {
			return checked, nil
		}
	}
}

func chainDigest(prev [32]byte, typ string, attrs map[string]string) [32]byte {
	var buf bytes.Buffer
	buf.Write(prev[:])
	writeDelimited(&buf, []byte(typ))
	rendered := &types.Event{Type: typ, Attributes: attrs}
	for _, k := range rendered.Keys() {
		writeDelimited(&buf, []byte(k))
		writeDelimited(&buf, []byte(attrs[k]))
	}
	return blake3.Sum256(buf.Bytes())
}

func writeDelimited(buf *bytes.Buffer, data []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	buf.Write(length[:])
	buf.Write(data)
}

func decodeDigest(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(out) {
		return out, fmt.Errorf("journal: malformed digest %q", s)
	}
	copy(out[:], raw)
	return out, nil
}
