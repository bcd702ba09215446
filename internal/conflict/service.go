package conflict

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mirrorkv/mirrorkv/internal/apperr"
	"github.com/mirrorkv/mirrorkv/internal/model"
	"github.com/mirrorkv/mirrorkv/internal/storage"
)

// Service owns the conflict audit trail.
type Service struct {
	DB *pgxpool.Pool
}

// NewService creates the conflict record service.
func NewService(db *pgxpool.Pool) *Service {
	return &Service{DB: db}
}

const recordColumns = `id, item_id, user_id, conflict_type, original_value, conflicting_value,
	strategy, resolved_value, reason, confidence, status, created_at, resolved_at, ai_model, human_reviewed`

// CreateTx inserts a new conflict record inside the caller's write
// transaction so the record commits atomically with the item write.
// The record starts in status pending.
func (s *Service) CreateTx(ctx context.Context, q storage.DBTX, rec *model.ConflictRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Status = model.ConflictPending
	rec.CreatedAt = time.Now().UTC()

	_, err := q.Exec(ctx, `
		INSERT INTO sync_conflict
			(id, item_id, user_id, conflict_type, original_value, conflicting_value,
			 strategy, reason, confidence, status, created_at, ai_model, human_reviewed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, false)
	`, rec.ID, rec.ItemID, rec.UserID, rec.Type, rec.OriginalValue, rec.ConflictingValue,
		rec.Strategy, rec.Reason, rec.Confidence, rec.Status, rec.CreatedAt, nullable(rec.AIModel))
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("itemId", rec.ItemID).Msg("failed to create conflict record")
	}
	return err
}

// Get loads one conflict record by id.
func (s *Service) Get(ctx context.Context, id string) (*model.ConflictRecord, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+recordColumns+` FROM sync_conflict WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, "conflict record not found")
		}
		return nil, err
	}
	return rec, nil
}

// History lists all conflict records for an item, newest first.
func (s *Service) History(ctx context.Context, itemID string) ([]model.ConflictRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+recordColumns+`
		FROM sync_conflict
		WHERE item_id = $1
		ORDER BY created_at DESC
	`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]model.ConflictRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// ResolveOpts parametrize an explicit resolve-by-id call.
type ResolveOpts struct {
	Strategy      model.Strategy
	AIModel       string
	HumanReviewed bool
}

// Resolve applies a strategy to a pending record and transitions it to
// resolved. Resolving an already-resolved record is idempotent: the
// stored resolution is returned unchanged (apart from marking
// HumanReviewed when requested, the only mutable field after
// resolution). A manual strategy leaves the record pending.
func (s *Service) Resolve(ctx context.Context, id string, opts ResolveOpts) (*model.ConflictRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.Status == model.ConflictResolved {
		if opts.HumanReviewed && !rec.HumanReviewed {
			if _, err := s.DB.Exec(ctx,
				`UPDATE sync_conflict SET human_reviewed = true WHERE id = $1`, id); err != nil {
				return nil, err
			}
			rec.HumanReviewed = true
		}
		return rec, nil
	}

	// Re-run resolution over the recorded sides. Side timestamps are not
	// retained on the record, so both sides carry the record's creation
	// time; tie-breaking rules then decide deterministically.
	createdMs := rec.CreatedAt.UnixMilli()
	res := Resolve(opts.Strategy, Side{Value: rec.OriginalValue, Timestamp: createdMs},
		Side{Value: rec.ConflictingValue, Timestamp: createdMs})

	rec.Strategy = opts.Strategy
	rec.Reason = res.Reason
	rec.Confidence = res.Confidence
	rec.AIModel = opts.AIModel
	rec.HumanReviewed = opts.HumanReviewed

	if res.NeedsManualResolution {
		// Record stays pending; persist the attempted strategy for audit.
		_, err := s.DB.Exec(ctx, `
			UPDATE sync_conflict
			SET strategy = $2, reason = $3, confidence = $4, ai_model = $5, human_reviewed = $6
			WHERE id = $1 AND status = 'pending'
		`, id, rec.Strategy, rec.Reason, rec.Confidence, nullable(rec.AIModel), rec.HumanReviewed)
		return rec, err
	}

	now := time.Now().UTC()
	rec.Status = model.ConflictResolved
	rec.ResolvedValue = res.Value
	rec.ResolvedAt = &now

	_, err = s.DB.Exec(ctx, `
		UPDATE sync_conflict
		SET strategy = $2, resolved_value = $3, reason = $4, confidence = $5,
		    status = 'resolved', resolved_at = $6, ai_model = $7, human_reviewed = $8
		WHERE id = $1 AND status = 'pending'
	`, id, rec.Strategy, rec.ResolvedValue, rec.Reason, rec.Confidence, now,
		nullable(rec.AIModel), rec.HumanReviewed)
	if err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("conflictId", id).
		Str("strategy", string(opts.Strategy)).
		Float64("confidence", res.Confidence).
		Msg("conflict resolved")
	return rec, nil
}

// Stats aggregates conflict records created within [start, end].
func (s *Service) Stats(ctx context.Context, start, end time.Time) (*model.ConflictStats, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT conflict_type, status, count(*)
		FROM sync_conflict
		WHERE created_at >= $1 AND created_at <= $2
		GROUP BY conflict_type, status
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &model.ConflictStats{ByType: make(map[model.ConflictType]int)}
	for rows.Next() {
		var ctype model.ConflictType
		var status model.ConflictStatus
		var n int
		if err := rows.Scan(&ctype, &status, &n); err != nil {
			return nil, err
		}
		stats.Total += n
		stats.ByType[ctype] += n
		switch status {
		case model.ConflictResolved:
			stats.Resolved += n
		case model.ConflictPending:
			stats.Pending += n
		case model.ConflictEscalated:
			stats.Escalated += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats.Total > 0 {
		stats.AutoResolutionRate = float64(stats.Resolved) / float64(stats.Total)
	}
	return stats, nil
}

func scanRecord(row pgx.Row) (*model.ConflictRecord, error) {
	var rec model.ConflictRecord
	var aiModel *string
	if err := row.Scan(
		&rec.ID, &rec.ItemID, &rec.UserID, &rec.Type,
		&rec.OriginalValue, &rec.ConflictingValue,
		&rec.Strategy, &rec.ResolvedValue, &rec.Reason, &rec.Confidence,
		&rec.Status, &rec.CreatedAt, &rec.ResolvedAt, &aiModel, &rec.HumanReviewed,
	); err != nil {
		return nil, err
	}
	if aiModel != nil {
		rec.AIModel = *aiModel
	}
	return &rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
