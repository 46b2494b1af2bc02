package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	"github.com/go-kivik/kivik/v4/couchdb"
	"go.uber.org/zap"
)

// CouchConfig configures the CouchDB client.
type CouchConfig struct {
	URL            string
	Database       string
	Username       string
	Password       string
	RequestTimeout time.Duration
	Heartbeat      time.Duration
}

// Validate validates the configuration.
func (c *CouchConfig) Validate() error {
	if c.URL == "" {
		return errors.New("couchdb url is required")
	}
	if c.Database == "" {
		return errors.New("couchdb database is required")
	}
	return nil
}

// CouchClient reads records and the change feed of one CouchDB database.
type CouchClient struct {
	client *kivik.Client
	db     *kivik.DB
	config CouchConfig
	logger *zap.Logger
}

// NewCouchClient creates a CouchDB client. No request is made until the
// first call.
func NewCouchClient(cfg CouchConfig, logger *zap.Logger) (*CouchClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid couchdb config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}

	var opts []kivik.Option
	if cfg.Username != "" {
		opts = append(opts, couchdb.BasicAuth(cfg.Username, cfg.Password))
	}
	client, err := kivik.New("couch", cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to couchdb: %w", err)
	}

	return &CouchClient{
		client: client,
		db:     client.DB(cfg.Database),
		config: cfg,
		logger: logger,
	}, nil
}

// Get fetches a record by id.
func (c *CouchClient) Get(ctx context.Context, id string) (*RawRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var body json.RawMessage
	if err := c.db.Get(ctx, id).ScanDoc(&body); err != nil {
		return nil, classify(err, id)
	}

	var meta struct {
		Rev string `json:"_rev"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrTransient, id, err)
	}
	if meta.Rev == "" {
		return nil, fmt.Errorf("%w: record %s has no revision", ErrTransient, id)
	}

	return &RawRecord{ID: id, Rev: meta.Rev, Body: body}, nil
}

// Changes opens a continuous change feed after since.
func (c *CouchClient) Changes(ctx context.Context, since string) (ChangeStream, error) {
	if since == "" {
		since = "0"
	}
	changes := c.db.Changes(ctx, kivik.Params(map[string]interface{}{
		"feed":      "continuous",
		"style":     "main_only",
		"heartbeat": c.config.Heartbeat.Milliseconds(),
		"since":     since,
	}))
	if err := changes.Err(); err != nil {
		_ = changes.Close()
		return nil, classify(err, "_changes")
	}

	c.logger.Debug("change feed opened", zap.String("since", since))
	return &couchStream{changes: changes}, nil
}

// UpdateSeq reads the database's current update_seq.
func (c *CouchClient) UpdateSeq(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	stats, err := c.db.Stats(ctx)
	if err != nil {
		return "", classify(err, c.config.Database)
	}
	if !validSeq(stats.UpdateSeq) {
		return "", fmt.Errorf("%w: database info has no update_seq", ErrTransient)
	}
	return stats.UpdateSeq, nil
}

// RecordIDs lists every non-design record id via _all_docs. Rows are read as
// they stream in.
func (c *CouchClient) RecordIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	rows := c.db.AllDocs(ctx)
	defer rows.Close()

	var ids []string
	for rows.Next() {
		id, err := rows.ID()
		if err != nil {
			return nil, fmt.Errorf("%w: reading _all_docs: %v", ErrTransient, err)
		}
		if !strings.HasPrefix(id, "_design/") {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "_all_docs")
	}
	return ids, nil
}

// Close releases idle connections.
func (c *CouchClient) Close() error {
	return c.client.Close()
}

// classify maps a kivik error onto ErrNotFound or ErrTransient.
func classify(err error, what string) error {
	if kivik.HTTPStatus(err) == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrTransient, what, err)
}

type couchStream struct {
	changes *kivik.Changes
}

func (s *couchStream) Next() (Change, error) {
	if !s.changes.Next() {
		if err := s.changes.Err(); err != nil {
			return Change{}, fmt.Errorf("%w: reading change feed: %v", ErrTransient, err)
		}
		return Change{}, io.EOF
	}

	seq := s.changes.Seq()
	if !validSeq(seq) {
		return Change{}, fmt.Errorf("%w: missing seq", ErrMalformedChange)
	}
	revs := s.changes.Changes()
	if s.changes.ID() == "" || len(revs) == 0 {
		return Change{Seq: seq}, fmt.Errorf("%w: missing id or changes", ErrMalformedChange)
	}

	return Change{
		Seq:     seq,
		ID:      s.changes.ID(),
		Rev:     revs[0],
		Deleted: s.changes.Deleted(),
	}, nil
}

func (s *couchStream) Close() error {
	return s.changes.Close()
}

// validSeq rejects the empty and null sequences CouchDB never hands out as a
// resume position.
func validSeq(seq string) bool {
	return seq != "" && seq != "null"
}

var (
	_ Store        = (*CouchClient)(nil)
	_ ChangeStream = (*couchStream)(nil)
)
