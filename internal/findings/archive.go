// Package findings archives research findings in Postgres. Saves go through
// an async write queue so a slow database never blocks the conversation path;
// reads are synchronous. The findings table is append-only.
package findings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/taskwise/coworker/internal/circuitbreaker"
	"github.com/taskwise/coworker/internal/conversation"
	"github.com/taskwise/coworker/internal/metrics"
)

// ErrNotFound is returned when a finding ID has no row.
var ErrNotFound = errors.New("finding not found")

// Config holds database configuration
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
	QueueSize       int           `mapstructure:"queue_size"`
	Workers         int           `mapstructure:"workers"`
}

func (c *Config) applyDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = 25
	}
	if c.IdleConnections == 0 {
		c.IdleConnections = 5
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 5 * time.Minute
	}
	if c.SSLMode == "" {
		c.SSLMode = "require"
	}
	if c.QueueSize == 0 {
		c.QueueSize = 1000
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
}

// record is the row shape of the findings table.
type record struct {
	ID           string    `db:"id"`
	TaskID       string    `db:"task_id"`
	Query        string    `db:"query"`
	ClarifyingQA []byte    `db:"clarifying_qa"`
	Summary      string    `db:"summary"`
	CreatedAt    time.Time `db:"created_at"`
}

// writeRequest is one queued save.
type writeRequest struct {
	TaskID   string
	Finding  conversation.Finding
	Callback func(error)
}

// Archive manages finding persistence with an async write path.
type Archive struct {
	db     *sqlx.DB
	cb     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	config Config

	writeQueue chan writeRequest
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// NewArchive opens the database and starts the write workers.
func NewArchive(cfg Config, logger *zap.Logger) (*Archive, error) {
	cfg.applyDefaults()

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	a := newArchive(db, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.cb.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a.start()
	go a.healthCheck()

	logger.Info("Findings archive initialized",
		zap.String("host", cfg.Host),
		zap.Int("workers", cfg.Workers),
	)
	return a, nil
}

// NewArchiveWithDB wraps an existing connection. Tests use this with sqlmock;
// workers are started, the health loop is not.
func NewArchiveWithDB(db *sqlx.DB, cfg Config, logger *zap.Logger) *Archive {
	cfg.applyDefaults()
	a := newArchive(db, cfg, logger)
	a.start()
	return a
}

func newArchive(db *sqlx.DB, cfg Config, logger *zap.Logger) *Archive {
	return &Archive{
		db:         db,
		cb:         circuitbreaker.NewDatabaseWrapper(db.DB, logger),
		logger:     logger,
		config:     cfg,
		writeQueue: make(chan writeRequest, cfg.QueueSize),
		stopCh:     make(chan struct{}),
	}
}

func (a *Archive) start() {
	for i := 0; i < a.config.Workers; i++ {
		a.workerWg.Add(1)
		go a.writeWorker(i)
	}
}

func (a *Archive) writeWorker(id int) {
	defer a.workerWg.Done()
	a.logger.Debug("Findings write worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-a.stopCh:
			a.drainQueue()
			a.logger.Info("Findings write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-a.writeQueue:
			a.processWrite(req)
			metrics.FindingWriteQueueDepth.Set(float64(len(a.writeQueue)))
		}
	}
}

func (a *Archive) processWrite(req writeRequest) {
	err := a.SaveFinding(context.Background(), req.TaskID, req.Finding)
	if req.Callback != nil {
		req.Callback(err)
	}
	if err != nil {
		a.logger.Error("Failed to save finding",
			zap.String("finding_id", req.Finding.ID),
			zap.String("task_id", req.TaskID),
			zap.Error(err),
		)
	}
}

func (a *Archive) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-a.writeQueue:
			a.processWrite(req)
		case <-timeout:
			a.logger.Warn("Timeout draining findings write queue")
			return
		default:
			return
		}
	}
}

// QueueSave enqueues a finding for async persistence. When the queue is full
// the write falls back to synchronous so findings are never dropped.
func (a *Archive) QueueSave(taskID string, f conversation.Finding, callback func(error)) {
	req := writeRequest{TaskID: taskID, Finding: f, Callback: callback}
	select {
	case a.writeQueue <- req:
		metrics.FindingWriteQueueDepth.Set(float64(len(a.writeQueue)))
	default:
		a.logger.Warn("Findings write queue full, falling back to synchronous write",
			zap.String("finding_id", f.ID))
		a.processWrite(req)
	}
}

// SaveFinding inserts one finding synchronously.
func (a *Archive) SaveFinding(ctx context.Context, taskID string, f conversation.Finding) error {
	qa, err := json.Marshal(f.ClarifyingQA)
	if err != nil {
		metrics.FindingWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to encode clarifying qa: %w", err)
	}

	_, err = a.cb.ExecContext(ctx, `
		INSERT INTO findings (id, task_id, query, clarifying_qa, summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, taskID, f.Query, qa, f.Summary, f.Timestamp,
	)
	if err != nil {
		metrics.FindingWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to insert finding: %w", err)
	}

	metrics.FindingWrites.WithLabelValues("ok").Inc()
	return nil
}

// GetFinding loads one finding by ID.
func (a *Archive) GetFinding(ctx context.Context, id string) (conversation.Finding, error) {
	var rec record
	err := a.db.GetContext(ctx, &rec, `
		SELECT id, task_id, query, clarifying_qa, summary, created_at
		FROM findings WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return conversation.Finding{}, ErrNotFound
	} else if err != nil {
		return conversation.Finding{}, fmt.Errorf("failed to load finding: %w", err)
	}
	return rec.toFinding()
}

// ListByTask returns a task's findings, newest first.
func (a *Archive) ListByTask(ctx context.Context, taskID string) ([]conversation.Finding, error) {
	var recs []record
	err := a.db.SelectContext(ctx, &recs, `
		SELECT id, task_id, query, clarifying_qa, summary, created_at
		FROM findings WHERE task_id = $1
		ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}

	out := make([]conversation.Finding, 0, len(recs))
	for _, rec := range recs {
		f, err := rec.toFinding()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (r record) toFinding() (conversation.Finding, error) {
	var qa []conversation.QAPair
	if len(r.ClarifyingQA) > 0 {
		if err := json.Unmarshal(r.ClarifyingQA, &qa); err != nil {
			return conversation.Finding{}, fmt.Errorf("failed to decode clarifying qa: %w", err)
		}
	}
	return conversation.Finding{
		ID:           r.ID,
		Query:        r.Query,
		ClarifyingQA: qa,
		Summary:      r.Summary,
		Timestamp:    r.CreatedAt,
	}, nil
}

func (a *Archive) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.cb.PingContext(ctx); err != nil {
				a.logger.Error("Findings archive health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close stops the workers, drains the queue, and closes the database.
func (a *Archive) Close() error {
	a.logger.Info("Shutting down findings archive")
	close(a.stopCh)
	a.workerWg.Wait()

	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Wrapper exposes the circuit breaker wrapper for health checks.
func (a *Archive) Wrapper() *circuitbreaker.DatabaseWrapper {
	return a.cb
}

// DB exposes the underlying pool for health checks.
func (a *Archive) DB() *sql.DB {
	return a.db.DB
}
