package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nkaruna09/HazMap/internal/model"
)

// Postgres backs the pool with a relational store. Claim exclusivity rides on
// conditional UPDATE ... WHERE status='open': the row version the loser saw
// is gone by the time its update runs, so it affects zero rows and the
// transaction rolls back.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Ping lets readiness checks verify connectivity.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies *.sql files in lexical order (dev helper).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(data)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *Postgres) CreateNeed(ctx context.Context, n model.Need) (model.Need, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	n.Status = model.StatusOpen
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO needs (id, category, quantity, urgency, lat, lng, status, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		n.ID, string(n.Category), n.Quantity, int(n.Urgency), n.Location.Lat, n.Location.Lng, string(n.Status), n.CreatedAt)
	if err != nil {
		return model.Need{}, err
	}
	return n, nil
}

func (p *Postgres) GetNeed(ctx context.Context, id string) (model.Need, error) {
	return scanNeed(p.db.QueryRowContext(ctx,
		`SELECT id, category, quantity, urgency, lat, lng, status, created_at FROM needs WHERE id=$1`, id))
}

func (p *Postgres) ListNeeds(ctx context.Context, status model.PoolStatus, limit int) ([]model.Need, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, category, quantity, urgency, lat, lng, status, created_at FROM needs
		 WHERE ($1 = '' OR status = $1) ORDER BY created_at LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Need{}
	for rows.Next() {
		n, err := scanNeed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateOffer(ctx context.Context, o model.Offer) (model.Offer, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.Status = model.StatusOpen
	var until any
	if o.AvailableUntil != nil {
		until = *o.AvailableUntil
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO offers (id, category, quantity, condition, lat, lng, available_until, status, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		o.ID, string(o.Category), o.Quantity, o.Condition, o.Location.Lat, o.Location.Lng, until, string(o.Status), o.CreatedAt)
	if err != nil {
		return model.Offer{}, err
	}
	return o, nil
}

func (p *Postgres) GetOffer(ctx context.Context, id string) (model.Offer, error) {
	return scanOffer(p.db.QueryRowContext(ctx,
		`SELECT id, category, quantity, condition, lat, lng, available_until, status, created_at FROM offers WHERE id=$1`, id))
}

func (p *Postgres) ListOffers(ctx context.Context, status model.PoolStatus, limit int) ([]model.Offer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, category, quantity, condition, lat, lng, available_until, status, created_at FROM offers
		 WHERE ($1 = '' OR status = $1) ORDER BY created_at LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) ExpireOffersDue(ctx context.Context, now time.Time) ([]model.Offer, error) {
	rows, err := p.db.QueryContext(ctx,
		`UPDATE offers SET status='expired'
		 WHERE status='open' AND available_until IS NOT NULL AND available_until < $1
		 RETURNING id, category, quantity, condition, lat, lng, available_until, status, created_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertVolunteer(ctx context.Context, v model.Volunteer) (model.Volunteer, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Status == "" {
		v.Status = model.VolunteerAvailable
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO volunteers (id, lat, lng, capacity, status) VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (id) DO UPDATE SET lat=$2, lng=$3, capacity=$4, status=$5`,
		v.ID, v.Location.Lat, v.Location.Lng, v.Capacity, string(v.Status))
	if err != nil {
		return model.Volunteer{}, err
	}
	return v, nil
}

func (p *Postgres) GetVolunteer(ctx context.Context, id string) (model.Volunteer, error) {
	var v model.Volunteer
	var status string
	err := p.db.QueryRowContext(ctx,
		`SELECT id, lat, lng, capacity, status FROM volunteers WHERE id=$1`, id).
		Scan(&v.ID, &v.Location.Lat, &v.Location.Lng, &v.Capacity, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Volunteer{}, ErrNotFound
	}
	if err != nil {
		return model.Volunteer{}, err
	}
	v.Status = model.VolunteerStatus(status)
	return v, nil
}

func (p *Postgres) UpdateVolunteerLocation(ctx context.Context, id string, loc model.Location) error {
	res, err := p.db.ExecContext(ctx, `UPDATE volunteers SET lat=$2, lng=$3 WHERE id=$1`, id, loc.Lat, loc.Lng)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ClaimPair(ctx context.Context, m model.Match) (model.Match, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Match{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE needs SET status='claimed' WHERE id=$1 AND status='open'`, m.NeedID)
	if err != nil {
		return model.Match{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if !p.rowExists(ctx, tx, "needs", m.NeedID) {
			return model.Match{}, ErrNotFound
		}
		return model.Match{}, ErrClaimConflict
	}
	res, err = tx.ExecContext(ctx, `UPDATE offers SET status='claimed' WHERE id=$1 AND status='open'`, m.OfferID)
	if err != nil {
		return model.Match{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if !p.rowExists(ctx, tx, "offers", m.OfferID) {
			return model.Match{}, ErrNotFound
		}
		return model.Match{}, ErrClaimConflict
	}

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.Status = model.MatchMatched
	m.StatusChangedAt = m.CreatedAt
	_, err = tx.ExecContext(ctx,
		`INSERT INTO matches (id, need_id, offer_id, volunteer_id, score, status, direct_pickup, created_at, status_changed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.ID, m.NeedID, m.OfferID, nullIfEmpty(m.VolunteerID), m.Score, string(m.Status), m.DirectPickup, m.CreatedAt, m.StatusChangedAt)
	if err != nil {
		return model.Match{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Match{}, err
	}
	return m, nil
}

func (p *Postgres) GetMatch(ctx context.Context, id string) (model.Match, error) {
	return scanMatch(p.db.QueryRowContext(ctx,
		`SELECT id, need_id, offer_id, volunteer_id, score, status, end_reason, direct_pickup, created_at, status_changed_at
		 FROM matches WHERE id=$1`, id))
}

func (p *Postgres) ListMatchesForVolunteer(ctx context.Context, volunteerID string, activeOnly bool) ([]model.Match, error) {
	q := `SELECT id, need_id, offer_id, volunteer_id, score, status, end_reason, direct_pickup, created_at, status_changed_at
	      FROM matches WHERE volunteer_id=$1`
	if activeOnly {
		q += ` AND status NOT IN ('completed','ended')`
	}
	q += ` ORDER BY created_at`
	rows, err := p.db.QueryContext(ctx, q, volunteerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Match{}
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) TransitionMatch(ctx context.Context, id string, from []model.MatchStatus, to model.MatchStatus, reason model.EndReason, at time.Time) (model.Match, bool, error) {
	states := make([]string, len(from))
	for i, f := range from {
		states[i] = string(f)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE matches SET status=$2, end_reason=$3, status_changed_at=$4 WHERE id=$1 AND status = ANY($5)`,
		id, string(to), nullIfEmpty(string(reason)), at, states)
	if err != nil {
		return model.Match{}, false, err
	}
	n, _ := res.RowsAffected()
	m, gerr := p.GetMatch(ctx, id)
	if gerr != nil {
		return model.Match{}, false, gerr
	}
	return m, n > 0, nil
}

func (p *Postgres) ReleaseMatch(ctx context.Context, id string, reason model.EndReason, at time.Time) (ReleaseResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return ReleaseResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`UPDATE matches SET status='ended', end_reason=$2, status_changed_at=$3
		 WHERE id=$1 AND status NOT IN ('completed','ended')
		 RETURNING id, need_id, offer_id, volunteer_id, score, status, end_reason, direct_pickup, created_at, status_changed_at`,
		id, string(reason), at)
	m, err := scanMatch(row)
	if errors.Is(err, ErrNotFound) {
		// Either missing or already terminal; disambiguate for the caller.
		if p.rowExists(ctx, tx, "matches", id) {
			return ReleaseResult{}, ErrClaimConflict
		}
		return ReleaseResult{}, ErrNotFound
	}
	if err != nil {
		return ReleaseResult{}, err
	}

	res := ReleaseResult{Match: m}
	nrow := tx.QueryRowContext(ctx,
		`UPDATE needs SET status='open' WHERE id=$1 AND status='claimed'
		 RETURNING id, category, quantity, urgency, lat, lng, status, created_at`, m.NeedID)
	if n, err := scanNeed(nrow); err == nil {
		res.Need = n
	} else if !errors.Is(err, ErrNotFound) {
		return ReleaseResult{}, err
	}
	orow := tx.QueryRowContext(ctx,
		`UPDATE offers SET status = CASE WHEN available_until IS NOT NULL AND available_until < $2 THEN 'expired' ELSE 'open' END
		 WHERE id=$1 AND status='claimed'
		 RETURNING id, category, quantity, condition, lat, lng, available_until, status, created_at`, m.OfferID, at)
	if o, err := scanOffer(orow); err == nil {
		res.Offer = o
	} else if !errors.Is(err, ErrNotFound) {
		return ReleaseResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReleaseResult{}, err
	}
	return res, nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`,
		sub.ID, sub.URL, strings.Join(sub.Events, ","), sub.Secret)
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, url, events, secret FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Subscription{}
	for rows.Next() {
		var s Subscription
		var events string
		if err := rows.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil {
			return nil, err
		}
		if events != "" {
			s.Events = strings.Split(events, ",")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]Subscription, error) {
	subs, err := p.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	out := []Subscription{}
	for _, s := range subs {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
		 VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now())`,
		id, subscriptionID, eventType, url, secret, payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, subscription_id, event_type, url, secret, payload, status, attempts FROM webhook_deliveries
		 WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error {
	if success {
		_, err := p.db.ExecContext(ctx,
			`UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1, response_code=$2, delivered_at=now() WHERE id=$1`,
			id, responseCode)
		return err
	}
	var next any
	if nextAttemptAt != nil {
		next = *nextAttemptAt
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status='retry', attempts=attempts+1, last_error=$2, response_code=$3,
		 next_attempt_at=COALESCE($4, now() + interval '1 minute') WHERE id=$1`,
		id, lastError, responseCode, next)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status='failed', last_error=$2, response_code=$3 WHERE id=$1`,
		id, lastError, responseCode)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanNeed(r rowScanner) (model.Need, error) {
	var n model.Need
	var category, status string
	var urgency int
	err := r.Scan(&n.ID, &category, &n.Quantity, &urgency, &n.Location.Lat, &n.Location.Lng, &status, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Need{}, ErrNotFound
	}
	if err != nil {
		return model.Need{}, err
	}
	n.Category = model.Category(category)
	n.Urgency = model.Urgency(urgency)
	n.Status = model.PoolStatus(status)
	return n, nil
}

func scanOffer(r rowScanner) (model.Offer, error) {
	var o model.Offer
	var category, status string
	var condition sql.NullString
	var until sql.NullTime
	err := r.Scan(&o.ID, &category, &o.Quantity, &condition, &o.Location.Lat, &o.Location.Lng, &until, &status, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Offer{}, ErrNotFound
	}
	if err != nil {
		return model.Offer{}, err
	}
	o.Category = model.Category(category)
	o.Condition = condition.String
	if until.Valid {
		t := until.Time
		o.AvailableUntil = &t
	}
	o.Status = model.PoolStatus(status)
	return o, nil
}

func scanMatch(r rowScanner) (model.Match, error) {
	var m model.Match
	var status string
	var volunteerID, endReason sql.NullString
	err := r.Scan(&m.ID, &m.NeedID, &m.OfferID, &volunteerID, &m.Score, &status, &endReason, &m.DirectPickup, &m.CreatedAt, &m.StatusChangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Match{}, ErrNotFound
	}
	if err != nil {
		return model.Match{}, err
	}
	m.VolunteerID = volunteerID.String
	m.Status = model.MatchStatus(status)
	m.EndReason = model.EndReason(endReason.String)
	return m, nil
}

type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *Postgres) rowExists(ctx context.Context, q execer, table, id string) bool {
	var one int
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id=$1`, table), id).Scan(&one)
	return err == nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
