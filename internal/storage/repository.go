package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/history"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const eventColumns = `e.event_id,
        e.user_id,
        e.merchant_id,
        e.amount::text,
        e.currency,
        e.ts,
        e.lat,
        e.lon,
        e.device_id,
        e.ip,
        e.channel`

const featureColumns = `f.log_amount,
        f.tx_count_5m,
        f.tx_count_1h,
        f.spend_1h,
        f.is_new_merchant,
        f.is_new_device,
        f.is_new_ip,
        f.distance_from_last_km,
        f.speed_kmph,
        f.hour_of_day,
        f.day_of_week`

const (
	insertEventSQL = `INSERT INTO events (
        event_id,
        user_id,
        merchant_id,
        amount,
        currency,
        ts,
        lat,
        lon,
        device_id,
        ip,
        channel
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (event_id) DO NOTHING
    RETURNING ingested_at;`

	insertFeaturesSQL = `INSERT INTO features (
        event_id,
        log_amount,
        tx_count_5m,
        tx_count_1h,
        spend_1h,
        is_new_merchant,
        is_new_device,
        is_new_ip,
        distance_from_last_km,
        speed_kmph,
        hour_of_day,
        day_of_week
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    );`

	getEventSQL = `SELECT ` + eventColumns + `,
        ` + featureColumns + `,
        e.ingested_at
    FROM events e
    JOIN features f ON f.event_id = e.event_id
    WHERE e.event_id = $1;`

	listEventsSQL = `SELECT ` + eventColumns + `,
        ` + featureColumns + `,
        e.ingested_at
    FROM events e
    JOIN features f ON f.event_id = e.event_id
    WHERE ($2 = '' OR e.user_id = $2)
    ORDER BY e.ts DESC, e.id DESC
    LIMIT $1;`

	eventsInWindowSQL = `SELECT ` + eventColumns + `
    FROM events e
    WHERE e.user_id = $1
      AND e.ts >= $2
      AND e.ts < $3
    ORDER BY e.ts, e.id;`

	mostRecentBeforeSQL = `SELECT ` + eventColumns + `
    FROM events e
    WHERE e.user_id = $1
      AND e.ts < $2
    ORDER BY e.ts DESC, e.id DESC
    LIMIT 1;`

	existsPriorMerchantSQL = `SELECT EXISTS (
        SELECT 1 FROM events WHERE user_id = $1 AND merchant_id = $2 AND ts < $3
    );`
	existsPriorDeviceSQL = `SELECT EXISTS (
        SELECT 1 FROM events WHERE user_id = $1 AND device_id = $2 AND ts < $3
    );`
	existsPriorIPSQL = `SELECT EXISTS (
        SELECT 1 FROM events WHERE user_id = $1 AND ip = $2 AND ts < $3
    );`

	recentAmountsSQL = `SELECT amount::text
    FROM events
    WHERE user_id = $1
      AND ts < $2
    ORDER BY ts DESC, id DESC
    LIMIT $3;`

	insertScoreSQL = `INSERT INTO scores (
        event_id,
        model_version,
        anomaly_score,
        risk_score,
        flagged,
        reasons
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (event_id, model_version) DO NOTHING;`

	getScoreSQL = `SELECT
        event_id,
        model_version,
        anomaly_score,
        risk_score,
        flagged,
        reasons,
        created_at
    FROM scores
    WHERE event_id = $1
      AND model_version = $2;`

	listScoresSQL = `SELECT ` + eventColumns + `,
        s.model_version,
        s.anomaly_score,
        s.risk_score,
        s.flagged,
        s.reasons,
        s.created_at
    FROM scores s
    JOIN events e ON e.event_id = s.event_id
    WHERE (NOT $2 OR s.flagged)
      AND s.risk_score >= $3
      AND ($4 = '' OR e.user_id = $4)
    ORDER BY s.created_at DESC
    LIMIT $1;`

	listScoresBetweenSQL = `SELECT ` + eventColumns + `,
        s.model_version,
        s.anomaly_score,
        s.risk_score,
        s.flagged,
        s.reasons,
        s.created_at
    FROM scores s
    JOIN events e ON e.event_id = s.event_id
    WHERE e.ts >= $1
      AND e.ts < $2
    ORDER BY e.ts, s.created_at;`

	insertModelRunSQL = `INSERT INTO model_runs (
        version,
        created_at,
        model_type,
        trained_rows,
        threshold,
        percentile,
        feature_columns
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (version) DO NOTHING;`

	listModelRunsSQL = `SELECT
        version,
        created_at,
        model_type,
        trained_rows,
        threshold,
        percentile,
        feature_columns
    FROM model_runs
    ORDER BY created_at DESC
    LIMIT $1;`

	insertAlertSQL = `INSERT INTO alerts (
        event_id,
        user_id,
        risk_score,
        reasons,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        event_id,
        user_id,
        risk_score,
        reasons,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	lastAlertForUserSQL = `SELECT created_at
    FROM alerts
    WHERE user_id = $1
    ORDER BY created_at DESC
    LIMIT 1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EventRepository persists events together with their feature vectors.
type EventRepository interface {
	// InsertEvent stores ev and fv in one transaction. When the event ID
	// already exists nothing is written and the stored pair is returned
	// with inserted=false.
	InsertEvent(ctx context.Context, ev domain.Event, fv domain.FeatureVector) (stored domain.IngestedEvent, inserted bool, err error)
	GetEvent(ctx context.Context, eventID string) (domain.IngestedEvent, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]domain.IngestedEvent, error)
}

// ScoreRepository persists scoring outcomes keyed by (event, model version).
type ScoreRepository interface {
	// InsertScore writes rec unless a row for the same key exists; either
	// way the stored row is returned.
	InsertScore(ctx context.Context, rec domain.ScoreRecord) (stored domain.ScoreRecord, inserted bool, err error)
	GetScore(ctx context.Context, eventID, modelVersion string) (domain.ScoreRecord, error)
	ListScores(ctx context.Context, filter ScoreFilter) ([]ScoredEvent, error)
	ListScoresBetween(ctx context.Context, from, to time.Time) ([]ScoredEvent, error)
}

// ModelRunRepository records published model artifacts.
type ModelRunRepository interface {
	InsertModelRun(ctx context.Context, run domain.ModelRun) error
	ListModelRuns(ctx context.Context, limit int) ([]domain.ModelRun, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert domain.AlertRecord) (domain.AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]domain.AlertRecord, error)
	LastAlertForUser(ctx context.Context, userID string) (time.Time, bool, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is everything the pipeline persists to, plus the history it reads.
type Repository interface {
	history.Store
	EventRepository
	ScoreRepository
	ModelRunRepository
	AlertStore
	AdvisoryLocker
}

// Store is the PostgreSQL Repository.
type Store struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Store)(nil)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort: the lock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertEvent implements EventRepository.
func (s *Store) InsertEvent(ctx context.Context, ev domain.Event, fv domain.FeatureVector) (domain.IngestedEvent, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.IngestedEvent{}, false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return domain.IngestedEvent{}, false, fmt.Errorf("begin insert event: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var ingestedAt time.Time
	err = tx.QueryRow(ctx, insertEventSQL,
		ev.ID,
		ev.UserID,
		ev.MerchantID,
		ev.Amount.String(),
		ev.Currency,
		naive(ev.Timestamp),
		ev.Lat,
		ev.Lon,
		ev.DeviceID,
		ev.IP,
		ev.Channel,
	).Scan(&ingestedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// 重复事件：保留首次写入的结果。
		_ = tx.Rollback(ctx)
		stored, getErr := s.GetEvent(ctx, ev.ID)
		if getErr != nil {
			return domain.IngestedEvent{}, false, getErr
		}
		return stored, false, nil
	}
	if err != nil {
		return domain.IngestedEvent{}, false, fmt.Errorf("insert event: %w", err)
	}

	if _, err := tx.Exec(ctx, insertFeaturesSQL,
		ev.ID,
		fv.LogAmount,
		fv.TxCount5m,
		fv.TxCount1h,
		fv.Spend1h,
		fv.IsNewMerchant,
		fv.IsNewDevice,
		fv.IsNewIP,
		fv.DistanceFromLastKm,
		fv.SpeedKmph,
		fv.HourOfDay,
		fv.DayOfWeek,
	); err != nil {
		return domain.IngestedEvent{}, false, fmt.Errorf("insert features: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.IngestedEvent{}, false, fmt.Errorf("commit insert event: %w", err)
	}

	ev.Timestamp = naive(ev.Timestamp)
	return domain.IngestedEvent{Event: ev, Features: fv, IngestedAt: ingestedAt}, true, nil
}

// GetEvent implements EventRepository.
func (s *Store) GetEvent(ctx context.Context, eventID string) (domain.IngestedEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.IngestedEvent{}, err
	}
	rows, err := pool.Query(ctx, getEventSQL, eventID)
	if err != nil {
		return domain.IngestedEvent{}, fmt.Errorf("get event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return domain.IngestedEvent{}, fmt.Errorf("get event: %w", rows.Err())
		}
		return domain.IngestedEvent{}, fmt.Errorf("event %s: %w", eventID, domain.ErrNotFound)
	}
	return scanIngestedEvent(rows)
}

// ListEvents implements EventRepository, newest event time first.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]domain.IngestedEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	limit := limitOrDefault(filter.Limit)
	rows, queryErr := pool.Query(ctx, listEventsSQL, limit, filter.UserID)
	if queryErr != nil {
		return nil, fmt.Errorf("list events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]domain.IngestedEvent, 0, limit)
	for rows.Next() {
		ie, scanErr := scanIngestedEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, ie)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// EventsInWindow implements history.Store.
func (s *Store) EventsInWindow(ctx context.Context, userID string, start, end time.Time) ([]domain.Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, eventsInWindowSQL, userID, naive(start), naive(end))
	if queryErr != nil {
		return nil, fmt.Errorf("events in window: %w", queryErr)
	}
	defer rows.Close()

	events := make([]domain.Event, 0)
	for rows.Next() {
		ev, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// MostRecentEventBefore implements history.Store.
func (s *Store) MostRecentEventBefore(ctx context.Context, userID string, t time.Time) (domain.Event, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.Event{}, false, err
	}
	rows, queryErr := pool.Query(ctx, mostRecentBeforeSQL, userID, naive(t))
	if queryErr != nil {
		return domain.Event{}, false, fmt.Errorf("most recent event: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return domain.Event{}, false, rows.Err()
	}
	ev, err := scanEvent(rows)
	if err != nil {
		return domain.Event{}, false, err
	}
	return ev, true, nil
}

// ExistsPriorWithMerchant implements history.Store.
func (s *Store) ExistsPriorWithMerchant(ctx context.Context, userID, merchantID string, t time.Time) (bool, error) {
	return s.exists(ctx, existsPriorMerchantSQL, userID, merchantID, t)
}

// ExistsPriorWithDevice implements history.Store.
func (s *Store) ExistsPriorWithDevice(ctx context.Context, userID, deviceID string, t time.Time) (bool, error) {
	return s.exists(ctx, existsPriorDeviceSQL, userID, deviceID, t)
}

// ExistsPriorWithIP implements history.Store.
func (s *Store) ExistsPriorWithIP(ctx context.Context, userID, ip string, t time.Time) (bool, error) {
	return s.exists(ctx, existsPriorIPSQL, userID, ip, t)
}

func (s *Store) exists(ctx context.Context, query, userID, value string, t time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var found bool
	if err := pool.QueryRow(ctx, query, userID, value, naive(t)).Scan(&found); err != nil {
		return false, fmt.Errorf("exists prior: %w", err)
	}
	return found, nil
}

// RecentAmounts implements history.Store.
func (s *Store) RecentAmounts(ctx context.Context, userID string, t time.Time, limit int) ([]decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, recentAmountsSQL, userID, naive(t), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("recent amounts: %w", queryErr)
	}
	defer rows.Close()

	amounts := make([]decimal.Decimal, 0, limit)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		amounts = append(amounts, amount)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return amounts, nil
}

// InsertScore implements ScoreRepository.
func (s *Store) InsertScore(ctx context.Context, rec domain.ScoreRecord) (domain.ScoreRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.ScoreRecord{}, false, err
	}

	reasons, err := domain.MarshalReasons(rec.Reasons)
	if err != nil {
		return domain.ScoreRecord{}, false, err
	}

	tag, execErr := pool.Exec(ctx, insertScoreSQL,
		rec.EventID,
		rec.ModelVersion,
		rec.Result.AnomalyScore,
		rec.Result.RiskScore,
		rec.Result.Flagged,
		reasons,
	)
	if execErr != nil {
		return domain.ScoreRecord{}, false, fmt.Errorf("insert score: %w", execErr)
	}

	stored, err := s.GetScore(ctx, rec.EventID, rec.ModelVersion)
	if err != nil {
		return domain.ScoreRecord{}, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

// GetScore implements ScoreRepository.
func (s *Store) GetScore(ctx context.Context, eventID, modelVersion string) (domain.ScoreRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.ScoreRecord{}, err
	}

	var (
		rec     domain.ScoreRecord
		reasons []byte
	)
	scanErr := pool.QueryRow(ctx, getScoreSQL, eventID, modelVersion).Scan(
		&rec.EventID,
		&rec.ModelVersion,
		&rec.Result.AnomalyScore,
		&rec.Result.RiskScore,
		&rec.Result.Flagged,
		&reasons,
		&rec.CreatedAt,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return domain.ScoreRecord{}, fmt.Errorf("score %s@%s: %w", eventID, modelVersion, domain.ErrNotFound)
	}
	if scanErr != nil {
		return domain.ScoreRecord{}, fmt.Errorf("get score: %w", scanErr)
	}
	if rec.Reasons, err = domain.UnmarshalReasons(reasons); err != nil {
		return domain.ScoreRecord{}, err
	}
	return rec, nil
}

// ListScores implements ScoreRepository, most recently scored first.
func (s *Store) ListScores(ctx context.Context, filter ScoreFilter) ([]ScoredEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	limit := limitOrDefault(filter.Limit)
	rows, queryErr := pool.Query(ctx, listScoresSQL, limit, filter.FlaggedOnly, filter.MinRisk, filter.UserID)
	if queryErr != nil {
		return nil, fmt.Errorf("list scores: %w", queryErr)
	}
	defer rows.Close()
	return collectScoredEvents(rows)
}

// ListScoresBetween implements ScoreRepository for events with from <= ts < to.
func (s *Store) ListScoresBetween(ctx context.Context, from, to time.Time) ([]ScoredEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listScoresBetweenSQL, naive(from), naive(to))
	if queryErr != nil {
		return nil, fmt.Errorf("list scores between: %w", queryErr)
	}
	defer rows.Close()
	return collectScoredEvents(rows)
}

// InsertModelRun implements ModelRunRepository. Re-recording a version is a no-op.
func (s *Store) InsertModelRun(ctx context.Context, run domain.ModelRun) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertModelRunSQL,
		run.Version,
		run.CreatedAt,
		run.ModelType,
		run.TrainedRows,
		run.Threshold,
		run.Percentile,
		run.FeatureColumns,
	); execErr != nil {
		return fmt.Errorf("insert model run: %w", execErr)
	}
	return nil
}

// ListModelRuns implements ModelRunRepository.
func (s *Store) ListModelRuns(ctx context.Context, limit int) ([]domain.ModelRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	limit = limitOrDefault(limit)
	rows, queryErr := pool.Query(ctx, listModelRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list model runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]domain.ModelRun, 0, limit)
	for rows.Next() {
		var run domain.ModelRun
		if err := rows.Scan(
			&run.Version,
			&run.CreatedAt,
			&run.ModelType,
			&run.TrainedRows,
			&run.Threshold,
			&run.Percentile,
			&run.FeatureColumns,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert domain.AlertRecord) (domain.AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.AlertRecord{}, err
	}

	reasons, err := domain.MarshalReasons(alert.Reasons)
	if err != nil {
		return domain.AlertRecord{}, err
	}

	rec := alert
	if scanErr := pool.QueryRow(ctx, insertAlertSQL,
		alert.EventID,
		alert.UserID,
		alert.RiskScore,
		reasons,
		alert.Channels,
	).Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return domain.AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]domain.AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	limit = limitOrDefault(limit)
	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]domain.AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec     domain.AlertRecord
			reasons []byte
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.EventID,
			&rec.UserID,
			&rec.RiskScore,
			&reasons,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if rec.Reasons, err = domain.UnmarshalReasons(reasons); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// LastAlertForUser returns when userID was last alerted on.
func (s *Store) LastAlertForUser(ctx context.Context, userID string) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}
	var at time.Time
	scanErr := pool.QueryRow(ctx, lastAlertForUserSQL, userID).Scan(&at)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if scanErr != nil {
		return time.Time{}, false, fmt.Errorf("last alert for user: %w", scanErr)
	}
	return at, true, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanEventInto(ev *domain.Event, amount *string) []any {
	return []any{
		&ev.ID,
		&ev.UserID,
		&ev.MerchantID,
		amount,
		&ev.Currency,
		&ev.Timestamp,
		&ev.Lat,
		&ev.Lon,
		&ev.DeviceID,
		&ev.IP,
		&ev.Channel,
	}
}

func scanEvent(rows pgx.Rows) (domain.Event, error) {
	var (
		ev     domain.Event
		amount string
	)
	if err := rows.Scan(scanEventInto(&ev, &amount)...); err != nil {
		return domain.Event{}, err
	}
	return finishEvent(ev, amount)
}

func finishEvent(ev domain.Event, amount string) (domain.Event, error) {
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.Event{}, fmt.Errorf("parse amount: %w", err)
	}
	ev.Amount = parsed
	ev.Timestamp = naive(ev.Timestamp)
	return ev, nil
}

func scanIngestedEvent(rows pgx.Rows) (domain.IngestedEvent, error) {
	var (
		ie     domain.IngestedEvent
		amount string
	)
	fv := &ie.Features
	dest := append(scanEventInto(&ie.Event, &amount),
		&fv.LogAmount,
		&fv.TxCount5m,
		&fv.TxCount1h,
		&fv.Spend1h,
		&fv.IsNewMerchant,
		&fv.IsNewDevice,
		&fv.IsNewIP,
		&fv.DistanceFromLastKm,
		&fv.SpeedKmph,
		&fv.HourOfDay,
		&fv.DayOfWeek,
		&ie.IngestedAt,
	)
	if err := rows.Scan(dest...); err != nil {
		return domain.IngestedEvent{}, err
	}
	ev, err := finishEvent(ie.Event, amount)
	if err != nil {
		return domain.IngestedEvent{}, err
	}
	ie.Event = ev
	return ie, nil
}

func collectScoredEvents(rows pgx.Rows) ([]ScoredEvent, error) {
	out := make([]ScoredEvent, 0)
	for rows.Next() {
		var (
			se      ScoredEvent
			amount  string
			reasons []byte
		)
		dest := append(scanEventInto(&se.Event, &amount),
			&se.Score.ModelVersion,
			&se.Score.Result.AnomalyScore,
			&se.Score.Result.RiskScore,
			&se.Score.Result.Flagged,
			&reasons,
			&se.Score.CreatedAt,
		)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		ev, err := finishEvent(se.Event, amount)
		if err != nil {
			return nil, err
		}
		se.Event = ev
		se.Score.EventID = ev.ID
		if se.Score.Reasons, err = domain.UnmarshalReasons(reasons); err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
