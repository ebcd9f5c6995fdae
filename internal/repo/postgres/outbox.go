package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/animus-labs/animus-orchestrator/internal/signals"
)

const insertSignalQuery = `INSERT INTO run_signals (topic, kind, run_id, payload, created_at) VALUES ($1,$2,$3,$4,$5)`

// consumeSignalsQuery claims the oldest signals of a topic. Concurrent
// consumers skip each other's rows, so every signal is delivered once.
const consumeSignalsQuery = `DELETE FROM run_signals
	WHERE signal_id IN (
		SELECT signal_id FROM run_signals
		WHERE topic = $1
		ORDER BY signal_id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	RETURNING signal_id, payload`

// Outbox persists signals in the run_signals table.
type Outbox struct {
	db TxDB
}

var _ signals.Queue = (*Outbox)(nil)

func NewOutbox(db TxDB) *Outbox {
	if db == nil {
		return nil
	}
	return &Outbox{db: db}
}

func (o *Outbox) Publish(ctx context.Context, sigs ...signals.Signal) error {
	if len(sigs) == 0 {
		return nil
	}
	return withTx(ctx, o.db, func(tx DB) error {
		for _, sig := range sigs {
			payload, err := json.Marshal(sig)
			if err != nil {
				return fmt.Errorf("encode signal: %w", err)
			}
			if _, err := tx.ExecContext(ctx, insertSignalQuery,
				string(sig.Kind.Topic()), string(sig.Kind), sig.RunID, payload, normalizeTime(sig.CreatedAt),
			); err != nil {
				return fmt.Errorf("insert signal %s: %w", sig.Kind, err)
			}
		}
		return nil
	})
}

// Consume claims at most limit signals of topic in publication order. A limit
// below one claims every pending signal.
func (o *Outbox) Consume(ctx context.Context, topic signals.Topic, limit int) ([]signals.Signal, error) {
	var n sql.NullInt64
	if limit > 0 {
		n = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := o.db.QueryContext(ctx, consumeSignalsQuery, string(topic), n)
	if err != nil {
		return nil, fmt.Errorf("consume signals: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		id  int64
		sig signals.Signal
	}
	var out []claimed
	for rows.Next() {
		var c claimed
		var payload []byte
		if err := rows.Scan(&c.id, &payload); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		if err := json.Unmarshal(payload, &c.sig); err != nil {
			return nil, fmt.Errorf("decode signal %d: %w", c.id, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("consume signals: %w", err)
	}
	// RETURNING does not preserve the subquery order.
	slices.SortFunc(out, func(a, b claimed) int { return cmp.Compare(a.id, b.id) })
	sigs := make([]signals.Signal, 0, len(out))
	for _, c := range out {
		sigs = append(sigs, c.sig)
	}
	return sigs, nil
}

// Pending counts unclaimed signals of topic.
func (o *Outbox) Pending(ctx context.Context, topic signals.Topic) (int, error) {
	var n int
	if err := o.db.QueryRowContext(ctx, `SELECT count(*) FROM run_signals WHERE topic = $1`, string(topic)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count signals: %w", err)
	}
	return n, nil
}
