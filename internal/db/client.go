package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Config holds database configuration. Driver is "postgres" in production
// and "sqlite3" for local development.
type Config struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	Path            string        `mapstructure:"path"` // sqlite file, ":memory:" for tests
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// Client manages database connections and async writes.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger
	config *Config

	writeQueue chan WriteRequest
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// WriteRequest represents an async write operation.
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

type WriteType int

const (
	WriteTypeAuditLog WriteType = iota
	WriteTypeExecutionStep
)

// String returns the string representation of WriteType.
func (wt WriteType) String() string {
	switch wt {
	case WriteTypeAuditLog:
		return "AuditLog"
	case WriteTypeExecutionStep:
		return "ExecutionStep"
	default:
		return "Unknown"
	}
}

// NewClient creates a database client with a connection pool and async write
// workers.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Driver == "" {
		config.Driver = "postgres"
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}

	dsn, err := config.dsn()
	if err != nil {
		return nil, err
	}

	rawDB, err := sqlx.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rawDB.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	client := &Client{
		db:         rawDB,
		logger:     logger,
		config:     config,
		writeQueue: make(chan WriteRequest, 1000),
		workers:    4,
		stopCh:     make(chan struct{}),
	}

	client.startWorkers()
	go client.healthCheck()

	logger.Info("Database client initialized",
		zap.String("driver", config.Driver),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", client.workers),
	)
	return client, nil
}

func (c *Config) dsn() (string, error) {
	switch c.Driver {
	case "postgres":
		ssl := c.SSLMode
		if ssl == "" {
			ssl = "require"
		}
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, ssl,
		), nil
	case "sqlite3":
		if c.Path == "" {
			return "", fmt.Errorf("sqlite driver requires a path")
		}
		return c.Path, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", c.Driver)
	}
}

func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Write worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Info("Write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-c.writeQueue:
			c.processWrite(req)
		}
	}
}

func (c *Client) processWrite(req WriteRequest) {
	var err error

	switch req.Type {
	case WriteTypeAuditLog:
		if log, ok := req.Data.(*AuditLog); ok {
			err = c.SaveAuditLog(context.Background(), log)
		}
	case WriteTypeExecutionStep:
		if step, ok := req.Data.(*ExecutionStep); ok {
			err = c.SaveExecutionStep(context.Background(), step)
		}
	}

	if req.Callback != nil {
		req.Callback(err)
	}
	if err != nil {
		c.logger.Error("Failed to process write request",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
}

func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue")
			return
		default:
			return
		}
	}
}

// QueueWrite adds a write request to the async queue, falling back to a
// synchronous write when the queue is full so nothing is dropped.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) {
	req := WriteRequest{Type: writeType, Data: data, Callback: callback}
	select {
	case c.writeQueue <- req:
	default:
		c.logger.Warn("Write queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()))
		c.processWrite(req)
	}
}

func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close gracefully shuts down the client, draining pending writes.
func (c *Client) Close() error {
	c.logger.Info("Shutting down database client")
	close(c.stopCh)
	c.workerWg.Wait()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// DB returns the underlying sqlx handle for direct queries.
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// WithTransaction runs fn inside a transaction, rolling back on error or panic.
func (c *Client) WithTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}
