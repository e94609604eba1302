// Package memory – service.go is the subsystem facade: one type owning the
// message store, lexical index, vector store, window builder and search
// engine over a single SQLite file. Ingestion is synchronous up to the
// durable write; window embedding happens on a background worker so a slow
// or down embedding API never blocks the chat path.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config bundles the subsystem settings.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`

	Window    WindowConfig    `yaml:"window"`
	Search    SearchConfig    `yaml:"search"`
	Expansion ExpansionConfig `yaml:"expansion"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DBPath:    "masamong.db",
		Window:    DefaultWindowConfig(),
		Search:    DefaultSearchConfig(),
		Expansion: DefaultExpansionConfig(),
	}
}

const embedQueueSize = 256

// Service is the conversational memory subsystem.
type Service struct {
	db       *sql.DB
	store    *Store
	lexical  *LexicalIndex
	vectors  *VectorStore
	windows  *WindowBuilder
	engine   *Engine
	embedder Embedder
	logger   *slog.Logger

	embedQueue chan *Window
	workerWG   sync.WaitGroup

	// queueMu serializes enqueueing against Close so a late Ingest never
	// sends on a closed channel.
	queueMu sync.Mutex
	closed  bool
}

// Open builds the subsystem on the configured database file. embedder may be
// nil (semantic search disabled); paraphraser may be nil (no model-side
// query rewrites).
func Open(cfg Config, embedder Embedder, paraphraser Paraphraser, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if embedder == nil {
		embedder = NullEmbedder{}
	}

	db, err := OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	svc, err := newService(db, cfg, embedder, paraphraser, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return svc, nil
}

func newService(db *sql.DB, cfg Config, embedder Embedder, paraphraser Paraphraser, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(db, logger)
	if err != nil {
		return nil, err
	}
	lexical, err := NewLexicalIndex(db, logger)
	if err != nil {
		return nil, err
	}
	vectors, err := NewVectorStore(db, logger)
	if err != nil {
		return nil, err
	}
	windows, err := NewWindowBuilder(db, store, cfg.Window, logger)
	if err != nil {
		return nil, err
	}
	expander := NewQueryExpander(store, paraphraser, cfg.Expansion, logger)
	engine := NewEngine(store, lexical, vectors, windows, embedder, expander, cfg.Search, logger)

	svc := &Service{
		db:         db,
		store:      store,
		lexical:    lexical,
		vectors:    vectors,
		windows:    windows,
		engine:     engine,
		embedder:   embedder,
		logger:     logger,
		embedQueue: make(chan *Window, embedQueueSize),
	}
	svc.workerWG.Add(1)
	go svc.embedWorker()
	return svc, nil
}

// Store exposes the message store for read paths outside the subsystem.
func (s *Service) Store() *Store { return s.store }

// Windows exposes the window builder for maintenance jobs.
func (s *Service) Windows() *WindowBuilder { return s.windows }

// Ingest appends a message, advances window construction for its scope and
// schedules embedding of any window that completed. The durable write and
// the lexical index entry land in one transaction; embedding is async.
func (s *Service) Ingest(ctx context.Context, msg Message) (Message, error) {
	stored, err := s.store.Append(ctx, msg)
	if err != nil {
		return Message{}, err
	}

	win, err := s.windows.Observe(ctx, stored)
	if err != nil {
		// The message is durable and searchable lexically; windowing will
		// catch up on the next observation or via backfill.
		s.logger.Warn("window construction failed",
			"guild_id", stored.Scope.GuildID, "channel_id", stored.Scope.ChannelID,
			"message_id", stored.ID, "error", err)
		return stored, nil
	}
	if win != nil {
		s.enqueueEmbed(win)
	}
	return stored, nil
}

// enqueueEmbed hands a completed window to the embed worker without ever
// blocking the chat path. Windows dropped here (queue full or service
// closing) are picked up by BackfillEmbeddings.
func (s *Service) enqueueEmbed(win *Window) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if s.closed {
		s.logger.Warn("service closing, deferring window to backfill",
			"window_id", win.ID)
		return
	}
	select {
	case s.embedQueue <- win:
	default:
		s.logger.Warn("embed queue full, deferring window to backfill",
			"window_id", win.ID)
	}
}

// Retrieve runs hybrid search for the query within the scope.
func (s *Service) Retrieve(ctx context.Context, scope Scope, query string) ([]ContextBlock, error) {
	requestID := uuid.NewString()
	start := time.Now()
	blocks, err := s.engine.Search(ctx, scope, query)
	if err != nil {
		return nil, err
	}
	s.logger.Info("memory retrieval",
		"request_id", requestID,
		"guild_id", scope.GuildID, "channel_id", scope.ChannelID,
		"results", len(blocks),
		"elapsed", time.Since(start))
	return blocks, nil
}

// embedWorker drains the queue, encoding each completed window and storing
// its vector. The loop survives provider outages; dropped windows are picked
// up by BackfillEmbeddings.
func (s *Service) embedWorker() {
	defer s.workerWG.Done()
	for win := range s.embedQueue {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		err := s.embedWindow(ctx, win)
		cancel()
		if err != nil {
			s.logger.Warn("window embedding failed, left for backfill",
				"window_id", win.ID, "error", err)
		}
	}
}

func (s *Service) embedWindow(ctx context.Context, win *Window) error {
	vecs, err := s.embedder.Encode(ctx, []string{win.Text()}, PassagePrefix)
	if err != nil {
		return err
	}
	if len(vecs) != 1 {
		return fmt.Errorf("embedder returned %d vectors for one window", len(vecs))
	}
	return s.vectors.Add(ctx, win.ID, win.Scope, vecs[0])
}

// BackfillEmbeddings embeds windows that have no stored vector, up to limit,
// with bounded concurrency. Returns how many windows were embedded.
func (s *Service) BackfillEmbeddings(ctx context.Context, limit int) (int, error) {
	missing, err := s.windows.MissingEmbeddings(ctx, limit)
	if err != nil {
		return 0, err
	}
	if len(missing) == 0 {
		return 0, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	var mu sync.Mutex
	done := 0
	for _, win := range missing {
		win := win
		g.Go(func() error {
			if err := s.embedWindow(ctx, win); err != nil {
				return fmt.Errorf("backfill window %d: %w", win.ID, err)
			}
			mu.Lock()
			done++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	if done > 0 {
		s.logger.Info("embedding backfill", "embedded", done, "pending", len(missing)-done)
	}
	return done, err
}

// CleanOrphans removes lexical index entries whose message is gone.
func (s *Service) CleanOrphans(ctx context.Context) (int64, error) {
	return s.lexical.CleanOrphans(ctx)
}

// RebuildLexicalIndex re-derives the full-text index from stored content.
func (s *Service) RebuildLexicalIndex(ctx context.Context) error {
	return s.lexical.Rebuild(ctx)
}

// Close stops the embed worker, flushes pending windows and closes the
// database. Safe to call more than once; ingests racing Close defer their
// windows to backfill instead of crashing.
func (s *Service) Close() error {
	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.embedQueue)
	s.queueMu.Unlock()

	s.workerWG.Wait()
	return s.db.Close()
}
