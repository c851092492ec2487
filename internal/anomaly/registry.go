package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mood-agency/relay-sub002/internal/ident"
	"github.com/mood-agency/relay-sub002/internal/store"
)

// Registry holds the registered detectors and an event inverted index.
// Run fires every enabled detector for an event and persists the results
// in one batched insert.
type Registry struct {
	store  *store.Store
	logger *zap.Logger

	mu        sync.RWMutex
	detectors map[string]*registration
	byEvent   map[string][]string
}

type registration struct {
	detector Detector
	enabled  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(st *store.Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:     st,
		logger:    logger.With(zap.String("component", "anomaly")),
		detectors: make(map[string]*registration),
		byEvent:   make(map[string][]string),
	}
}

// Register adds a detector, enabled per its default.
func (r *Registry) Register(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := d.Name()
	if _, exists := r.detectors[name]; exists {
		return
	}
	r.detectors[name] = &registration{detector: d, enabled: d.EnabledByDefault()}
	for _, ev := range d.Events() {
		r.byEvent[ev] = append(r.byEvent[ev], name)
	}
}

// Unregister removes a detector and its index entries.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.detectors[name]
	if !ok {
		return
	}
	delete(r.detectors, name)
	for _, ev := range reg.detector.Events() {
		names := r.byEvent[ev]
		for i, n := range names {
			if n == name {
				r.byEvent[ev] = append(names[:i], names[i+1:]...)
				break
			}
		}
	}
}

// Enable turns a detector on.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable turns a detector off.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.detectors[name]
	if !ok {
		return fmt.Errorf("unknown detector %q", name)
	}
	reg.enabled = enabled
	return nil
}

// Run fires every enabled detector registered for the event and persists
// the resulting records. A failing detector is isolated and logged; it
// never poisons the rest of the pipeline.
func (r *Registry) Run(ctx context.Context, ev Event) []Record {
	records := r.Evaluate(ev)
	if len(records) > 0 {
		r.Persist(ctx, records)
	}
	return records
}

// Evaluate fires the detectors like Run but leaves persistence to the
// caller, so batch paths like the reaper can collect records across many
// events and insert them once.
func (r *Registry) Evaluate(ev Event) []Record {
	r.mu.RLock()
	names := r.byEvent[ev.Name]
	regs := make([]*registration, 0, len(names))
	for _, name := range names {
		if reg := r.detectors[name]; reg != nil && reg.enabled {
			regs = append(regs, reg)
		}
	}
	r.mu.RUnlock()

	var records []Record
	for _, reg := range regs {
		if rec := r.detectSafely(reg.detector, ev); rec != nil {
			if rec.ID == "" {
				rec.ID = ident.MessageID()
			}
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = time.Now().UTC()
			}
			records = append(records, *rec)
		}
	}
	return records
}

func (r *Registry) detectSafely(d Detector, ev Event) (rec *Record) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("detector panicked",
				zap.String("detector", d.Name()), zap.Any("panic", p))
			rec = nil
		}
	}()
	return d.Detect(ev)
}

// Persist writes records in one batched insert, best effort with a single
// deadlock retry.
func (r *Registry) Persist(ctx context.Context, records []Record) {
	if len(records) == 0 {
		return
	}

	err := r.insert(ctx, records)
	if err != nil && store.IsDeadlock(err) {
		err = r.insert(ctx, records)
	}
	if err != nil {
		r.logger.Error("anomaly persist failed, dropping batch",
			zap.Int("records", len(records)), zap.Error(err))
		return
	}

	for _, rec := range records {
		r.logger.Warn("anomaly detected",
			zap.String("type", rec.Type),
			zap.String("severity", string(rec.Severity)),
			zap.Stringp("message_id", rec.MessageID),
			zap.Stringp("consumer_id", rec.ConsumerID))
	}
}

func (r *Registry) insert(ctx context.Context, records []Record) error {
	placeholders := make([]string, 0, len(records))
	args := make([]any, 0, len(records)*7)

	for i, rec := range records {
		base := i * 7
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))

		var details any
		if rec.Details != nil {
			if data, err := json.Marshal(rec.Details); err == nil {
				details = string(data)
			}
		}
		args = append(args, rec.ID, rec.Type, string(rec.Severity), rec.MessageID, rec.ConsumerID, rec.QueueName, details)
	}

	query := `INSERT INTO anomalies (id, type, severity, message_id, consumer_id, queue_name, details) VALUES ` +
		strings.Join(placeholders, ", ")
	_, err := r.store.Write().ExecContext(ctx, query, args...)
	return err
}

// Filter narrows a paginated anomaly listing.
type Filter struct {
	QueueName  string
	Type       string
	Severity   string
	ConsumerID string
	Since      *time.Time
	Limit      int
	Offset     int
}

type recordRow struct {
	Record
	DetailsRaw []byte `db:"details"`
}

// List returns matching anomaly records newest first.
func (r *Registry) List(ctx context.Context, f Filter) ([]Record, error) {
	where := "1=1"
	args := []any{}
	n := 0

	add := func(clause string, value any) {
		n++
		where += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, value)
	}

	if f.QueueName != "" {
		add("queue_name =", f.QueueName)
	}
	if f.Type != "" {
		add("type =", f.Type)
	}
	if f.Severity != "" {
		add("severity =", f.Severity)
	}
	if f.ConsumerID != "" {
		add("consumer_id =", f.ConsumerID)
	}
	if f.Since != nil {
		add("created_at >=", *f.Since)
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT id, type, severity, message_id, consumer_id, queue_name, details, created_at
		FROM anomalies
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, n+1, n+2)
	args = append(args, limit, f.Offset)

	var rows []recordRow
	if err := r.store.Read().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := row.Record
		if len(row.DetailsRaw) > 0 {
			_ = json.Unmarshal(row.DetailsRaw, &rec.Details)
		}
		records = append(records, rec)
	}
	return records, nil
}
