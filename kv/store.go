// Package kv is the public embedded-store façade spec §1 describes: a
// single paged B-tree index with record blobs, exposing ordered
// iteration, point lookup, insertion, erasure, duplicate keys, and an
// optional transactional overlay — wiring together internal/storage,
// internal/btree, internal/txn, and internal/mergecursor.
//
// The B-tree split/merge algorithms, blob allocation on raw pages, and
// header-page format are external collaborators per spec §1; this package
// plays that role with internal/btree.MemTree and a small in-process
// record table, the same "honest minimal stand-in" internal/btree's
// MemTree doc comment describes.
package kv

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pagedkv/pagedkv/internal/btree"
	"github.com/pagedkv/pagedkv/internal/storage/changeset"
	"github.com/pagedkv/pagedkv/internal/storage/device"
	"github.com/pagedkv/pagedkv/internal/storage/page"
	"github.com/pagedkv/pagedkv/internal/storage/pagemanager"
	"github.com/pagedkv/pagedkv/internal/txn"
	"github.com/pagedkv/pagedkv/pkg/config"
	"github.com/pagedkv/pagedkv/pkg/eventlog"
	"github.com/pagedkv/pagedkv/pkg/telemetry"
)

// Store is the embedded key/value store: one paged file, one B-tree, one
// transaction overlay, opened once per process (spec §5: "single-writer
// cooperative", "no reader/writer separation").
type Store struct {
	mu sync.Mutex

	cfg         config.Config
	log         *zap.Logger
	tel         *telemetry.Telemetry
	telShutdown telemetry.ShutdownFunc

	dev    device.Device
	mgr    *pagemanager.Manager
	header pagemanager.Header
	cs     changeset.Changeset
	lsn    changeset.LsnManager

	tree    *btree.MemTree
	overlay *txn.Overlay

	elog *eventlog.Log

	blobs  map[btree.RecordID][]byte
	nextID btree.RecordID

	dbID page.DatabaseID
}

// newStoreLogger builds the zap.Logger for one Store instance from cfg,
// tagged with which on-disk (or in-memory) path it belongs to so that logs
// from several stores opened in the same process — as the CLI and the test
// suite both do — can be told apart without per-call fields.
//
// Debug-level records are sampled once they exceed cfg.SampleDebugAfter per
// second: the page cache logs one Debug record per purge, and under heavy
// eviction that can dominate output at Debug level. Sampling is skipped
// entirely when SampleDebugAfter is 0.
func newStoreLogger(cfg config.LoggerConfig, path string, inMemory bool) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	writer, err := storeLogWriter(cfg.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(storeLogEncoder(cfg.Format), writer, level)
	if cfg.SampleDebugAfter > 0 {
		thereafter := cfg.SampleDebugThereafter
		if thereafter <= 0 {
			thereafter = 1
		}
		core = zapcore.NewSamplerWithOptions(core, time.Second, cfg.SampleDebugAfter, thereafter)
	}

	instance := path
	if inMemory {
		instance = "memory"
	}
	return zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("component", "pagedkv"), zap.String("store", instance))), nil
}

func storeLogEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func storeLogWriter(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("kv: open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}

// Open creates or opens the store at path using cfg. An empty path opens
// an in-memory store (spec §4.3.3's "in-memory mode").
func Open(path string, cfg config.Config) (*Store, error) {
	inMemory := path == ""
	log, err := newStoreLogger(cfg.Logger, path, inMemory)
	if err != nil {
		return nil, fmt.Errorf("kv: build logger: %w", err)
	}

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("kv: build telemetry: %w", err)
	}

	metrics := telemetry.NewPageManagerMetrics(tel.Meter)

	var dev device.Device
	if inMemory {
		dev = device.NewMemory()
	} else {
		dev, err = device.Open(path, true)
		if err != nil {
			return nil, fmt.Errorf("kv: open device: %w", err)
		}
	}

	headerPage := page.New(0, int(cfg.PageSize))
	headerPage.SetType(page.TypeHeader)
	header := pagemanager.NewHeader(headerPage)

	cs := changeset.NewSet()
	lsn := changeset.NewCounter()

	mgrCfg := pagemanager.Config{
		PageSize:               int(cfg.PageSize),
		InMemory:               inMemory,
		EnableRecovery:         cfg.EnableRecovery,
		DisableReclaimInternal: cfg.DisableReclaim,
		CacheCapacityBytes:     cfg.CacheCapacityBytes,
	}
	mgr, err := pagemanager.New(dev, header, cs, lsn, mgrCfg, log, metrics)
	if err != nil {
		return nil, fmt.Errorf("kv: build page manager: %w", err)
	}

	leafPage := page.New(page.ID(cfg.PageSize), int(cfg.PageSize))
	tree := btree.NewMemTree(leafPage, btree.ByteComparator{})

	var elog *eventlog.Log
	if cfg.EventLogName != "" {
		name := cfg.EventLogName
		if name == "-" {
			name = ""
		}
		elog, err = eventlog.Open(name)
		if err != nil {
			return nil, fmt.Errorf("kv: open event log: %w", err)
		}
	}

	s := &Store{
		cfg:         cfg,
		log:         log,
		tel:         tel,
		telShutdown: shutdown,
		dev:         dev,
		mgr:         mgr,
		header:      header,
		cs:          cs,
		lsn:         lsn,
		tree:        tree,
		overlay:     txn.NewOverlay(),
		elog:        elog,
		blobs:       make(map[btree.RecordID][]byte),
		nextID:      1,
		dbID:        1,
	}
	if s.elog != nil {
		_ = s.elog.Append("OPEN", eventlog.Escape([]byte(path)))
	}
	s.log.Info("store opened", zap.String("path", path), zap.Bool("in_memory", inMemory))
	return s, nil
}

// Close flushes and releases the store. Mirrors spec §4.3.8's close
// lifecycle: force state store, reclaim, flush the changeset, flush dirty
// pages, release the state page.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mgr.Close(); err != nil {
		s.log.Error("page manager close failed", zap.Error(err))
		return err
	}
	if s.elog != nil {
		if err := s.elog.Close(); err != nil {
			return err
		}
	}
	if err := s.dev.Close(); err != nil {
		return err
	}
	if s.telShutdown != nil {
		if err := s.telShutdown(context.Background()); err != nil {
			s.log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	s.log.Info("store closed")
	return nil
}

// Metrics returns the page manager's running counters (spec §4.3's
// "Transient ... counters for metrics"), for diagnostic callers like
// cmd/pagedkv-cli's "status" command.
func (s *Store) Metrics() (fetched, flushed, freelistHits, freelistMisses int64, byType map[page.Type]int64) {
	return s.mgr.Metrics()
}

func (s *Store) allocRecordLocked(value []byte) btree.RecordID {
	rid := s.nextID
	s.nextID++
	s.blobs[rid] = append([]byte(nil), value...)
	return rid
}

// Put inserts or overwrites key's value outside of any transaction,
// applying directly to the persisted tree (spec §4's "insertion" on the
// core B-tree).
func (s *Store) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rid, err := s.storeValueLocked(value)
	if err != nil {
		return err
	}
	_, _, err = s.tree.InsertCursor(key, nil, rid, btree.InsertOverwrite)
	if err != nil {
		_ = s.deleteValueLocked(rid)
		return err
	}
	if s.elog != nil {
		_ = s.elog.Append("PUT", eventlog.Escape(key), len(value))
	}
	return nil
}

// Get returns the value stored for key, or KeyNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	leaf, idx, err := s.tree.Find(key, 0)
	if err != nil {
		return nil, err
	}
	return s.readValueLocked(leaf.GetRecord(idx))
}

// Delete erases key outside of any transaction.
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rid, _, err := s.tree.Erase(key, 0)
	if err != nil {
		return err
	}
	if err := s.deleteValueLocked(rid); err != nil {
		return err
	}
	if s.elog != nil {
		_ = s.elog.Append("DEL", eventlog.Escape(key))
	}
	return nil
}

// resolveRecord turns a mergecursor.KeyRecord's opaque record bytes into
// an actual value: on the btree side the 8 bytes are a RecordID resolved
// through the inline table or the blob page run it addresses; on the txn
// side the bytes already are the value (overlay ops carry raw value
// bytes, spec §3's Op.Record).
func (s *Store) resolveRecord(raw []byte, fromBtree bool) ([]byte, error) {
	if !fromBtree {
		return raw, nil
	}
	if len(raw) != 8 {
		return nil, nil
	}
	var rid btree.RecordID
	for i := 0; i < 8; i++ {
		rid |= btree.RecordID(raw[i]) << (8 * i)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readValueLocked(rid)
}

