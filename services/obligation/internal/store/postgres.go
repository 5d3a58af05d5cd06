package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/accordsai/honorlane/pkg/domain"
	"github.com/accordsai/honorlane/pkg/wideid"
	"github.com/accordsai/honorlane/services/obligation/internal/audit"
)

type Postgres struct {
	DB *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{DB: db}
}

// EnsureSchema creates the service tables. Obligations carry a primary key
// on obligation_id so a duplicate clearing can never produce a second row.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS obligations (
  obligation_id      text PRIMARY KEY,
  intent_id          text NOT NULL,
  subject_id         text NOT NULL,
  channel            text NOT NULL,
  debit_account      text NOT NULL,
  credit_account     text NOT NULL,
  amount_micros      bigint NOT NULL CHECK (amount_micros > 0),
  ledger_transfer_id text NOT NULL,
  cleared_at         timestamptz NOT NULL,
  honor_state        text NOT NULL,
  external_ref       text NOT NULL DEFAULT '',
  proof              text NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS honoring_attempts (
  id             bigserial PRIMARY KEY,
  obligation_id  text NOT NULL,
  channel        text NOT NULL,
  attempt_number int NOT NULL,
  started_at     timestamptz NOT NULL,
  outcome        text NOT NULL,
  reason         text NOT NULL DEFAULT '',
  external_ref   text NOT NULL DEFAULT '',
  proof          text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS honoring_attempts_obligation_idx
  ON honoring_attempts (obligation_id, attempt_number);
CREATE TABLE IF NOT EXISTS settlement_receipts (
  provider          text NOT NULL,
  provider_event_id text NOT NULL,
  received_at       timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (provider, provider_event_id)
);
CREATE TABLE IF NOT EXISTS audit_records (
  id            bigserial PRIMARY KEY,
  kind          text NOT NULL,
  obligation_id text NOT NULL,
  ts            timestamptz NOT NULL,
  payload       jsonb
);
CREATE INDEX IF NOT EXISTS audit_records_obligation_idx
  ON audit_records (obligation_id, id);
`)
	return err
}

func (s *Postgres) PutObligation(ctx context.Context, ob domain.ClearedObligation) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
INSERT INTO obligations (
  obligation_id, intent_id, subject_id, channel,
  debit_account, credit_account, amount_micros,
  ledger_transfer_id, cleared_at, honor_state, external_ref, proof
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (obligation_id) DO NOTHING
`,
		ob.ObligationID.Hex(), ob.IntentID, ob.SubjectID, string(ob.Channel),
		ob.DebitAccount.Hex(), ob.CreditAccount.Hex(), int64(ob.AmountMicros),
		ob.LedgerTransferID.Hex(), ob.ClearedAt, string(ob.HonorState),
		ob.ExternalRef, ob.Proof)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) GetObligation(ctx context.Context, id wideid.ID) (domain.ClearedObligation, error) {
	var ob domain.ClearedObligation
	var obligationID, debit, credit, transfer string
	var channel, honorState string
	var amount int64
	err := s.DB.QueryRow(ctx, `
SELECT obligation_id, intent_id, subject_id, channel,
       debit_account, credit_account, amount_micros,
       ledger_transfer_id, cleared_at, honor_state, external_ref, proof
FROM obligations WHERE obligation_id=$1
`, id.Hex()).Scan(
		&obligationID, &ob.IntentID, &ob.SubjectID, &channel,
		&debit, &credit, &amount,
		&transfer, &ob.ClearedAt, &honorState, &ob.ExternalRef, &ob.Proof)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ClearedObligation{}, domain.ErrNotFound
		}
		return domain.ClearedObligation{}, err
	}
	if ob.ObligationID, err = wideid.Parse(obligationID); err != nil {
		return domain.ClearedObligation{}, err
	}
	if ob.DebitAccount, err = wideid.Parse(debit); err != nil {
		return domain.ClearedObligation{}, err
	}
	if ob.CreditAccount, err = wideid.Parse(credit); err != nil {
		return domain.ClearedObligation{}, err
	}
	if ob.LedgerTransferID, err = wideid.Parse(transfer); err != nil {
		return domain.ClearedObligation{}, err
	}
	ob.Channel = domain.Channel(channel)
	ob.HonorState = domain.HonorState(honorState)
	ob.AmountMicros = uint64(amount)
	return ob, nil
}

func (s *Postgres) SetHonorState(ctx context.Context, id wideid.ID, state domain.HonorState, externalRef, proof string) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE obligations SET honor_state=$2, external_ref=$3, proof=$4
WHERE obligation_id=$1
`, id.Hex(), string(state), externalRef, proof)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Postgres) AppendAttempt(ctx context.Context, a domain.HonoringAttempt) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO honoring_attempts (
  obligation_id, channel, attempt_number, started_at,
  outcome, reason, external_ref, proof
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`,
		a.ObligationID.Hex(), string(a.Channel), a.AttemptNumber, a.StartedAt,
		string(a.Outcome), a.Reason, a.ExternalRef, a.Proof)
	return err
}

func (s *Postgres) ListAttempts(ctx context.Context, id wideid.ID) ([]domain.HonoringAttempt, error) {
	rows, err := s.DB.Query(ctx, `
SELECT obligation_id, channel, attempt_number, started_at,
       outcome, reason, external_ref, proof
FROM honoring_attempts
WHERE obligation_id=$1
ORDER BY attempt_number ASC
`, id.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.HonoringAttempt
	for rows.Next() {
		var a domain.HonoringAttempt
		var obligationID, channel, outcome string
		if err := rows.Scan(&obligationID, &channel, &a.AttemptNumber, &a.StartedAt,
			&outcome, &a.Reason, &a.ExternalRef, &a.Proof); err != nil {
			return nil, err
		}
		if a.ObligationID, err = wideid.Parse(obligationID); err != nil {
			return nil, err
		}
		a.Channel = domain.Channel(channel)
		a.Outcome = domain.AttemptOutcome(outcome)
		out = append(out, a)
	}
	return out, rows.Err()
}

// PutSettlementReceipt inserts one provider delivery; the primary key makes
// a redelivered event id a no-op with created false.
func (s *Postgres) PutSettlementReceipt(ctx context.Context, provider, providerEventID string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
INSERT INTO settlement_receipts (provider, provider_event_id)
VALUES ($1,$2)
ON CONFLICT (provider, provider_event_id) DO NOTHING
`, provider, providerEventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Append implements audit.Sink over the append-only audit_records table.
func (s *Postgres) Append(ctx context.Context, r audit.Record) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO audit_records (kind, obligation_id, ts, payload)
VALUES ($1,$2,$3,$4)
`, string(r.Kind), r.ObligationID.Hex(), r.Timestamp, payload)
	return err
}

// Query implements audit.Sink; records come back in append order.
func (s *Postgres) Query(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	kinds := make([]string, len(f.Kinds))
	for i, k := range f.Kinds {
		kinds[i] = string(k)
	}
	rows, err := s.DB.Query(ctx, `
SELECT kind, obligation_id, ts, payload
FROM audit_records
WHERE ($1 = '' OR obligation_id = $1)
  AND (cardinality($2::text[]) = 0 OR kind = ANY($2))
ORDER BY id ASC
LIMIT $3
`, filterObligation(f), kinds, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var r audit.Record
		var kind, obID string
		var payload []byte
		if err := rows.Scan(&kind, &obID, &r.Timestamp, &payload); err != nil {
			return nil, err
		}
		r.Kind = audit.Kind(kind)
		if r.ObligationID, err = wideid.Parse(obID); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &r.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func filterObligation(f audit.Filter) string {
	if f.ObligationID.IsZero() {
		return ""
	}
	return f.ObligationID.Hex()
}
