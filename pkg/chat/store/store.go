// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists chat client state in BadgerDB.
//
// Three keys are used, each holding JSON:
//
//	sessions         []chat.Session
//	active_session   string
//	usage            protocol.Usage
//
// Every key is validated on load. A key whose value does not decode, or
// decodes into an invalid shape, is deleted and its default used, so a
// corrupted or outdated store never prevents the client from starting.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
)

const (
	KeySessions      = "sessions"
	KeyActiveSession = "active_session"
	KeyUsage         = "usage"

	gcDiscardRatio = 0.5
)

// Config holds configuration for the store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every save.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger
}

// DefaultConfig returns a durable on-disk configuration for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store implements chat.Store on BadgerDB.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db       *badger.DB
	validate *validator.Validate
	inMemory bool
	closeMu  sync.Mutex
	closed   bool
}

var _ chat.Store = (*Store)(nil)

// sessionsRecord wraps the sessions key for validation.
type sessionsRecord struct {
	Sessions []chat.Session `validate:"dive"`
}

// usageRecord constrains the usage key.
type usageRecord struct {
	PromptTokens     int     `validate:"gte=0"`
	CompletionTokens int     `validate:"gte=0"`
	Cost             float64 `validate:"gte=0"`
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens or creates the store.
//
// Description:
//
//	Opens a BadgerDB database at cfg.Path (created if missing), or in
//	memory when cfg.InMemory is set.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close.
//	error - Non-nil if the database cannot be opened, for example because
//	another client process holds its lock.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0700); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	return &Store{db: db, validate: validator.New(), inMemory: cfg.InMemory}, nil
}

// Load reads the persisted state.
//
// Description:
//
//	Reads each key independently. Missing keys take defaults. Keys that
//	fail to decode or validate are deleted with a warning and take
//	defaults.
//
// Outputs:
//
//	*chat.State - The loaded state, never nil on success.
//	error - Non-nil only if the database itself fails.
func (s *Store) Load() (*chat.State, error) {
	state := &chat.State{}

	var sessions sessionsRecord
	ok, err := s.loadKey(KeySessions, &sessions.Sessions, func() error {
		return s.validate.Struct(sessions)
	})
	if err != nil {
		return nil, err
	}
	if ok {
		state.Sessions = make([]*chat.Session, len(sessions.Sessions))
		for i := range sessions.Sessions {
			state.Sessions[i] = &sessions.Sessions[i]
		}
	}

	var active string
	if ok, err = s.loadKey(KeyActiveSession, &active, nil); err != nil {
		return nil, err
	} else if ok {
		state.ActiveSessionID = active
	}

	var usage protocol.Usage
	ok, err = s.loadKey(KeyUsage, &usage, func() error {
		return s.validate.Struct(usageRecord(usage))
	})
	if err != nil {
		return nil, err
	}
	if ok {
		state.Usage = usage
	}

	return state, nil
}

// loadKey decodes key into out and runs check. It reports whether out
// holds a valid value. Invalid values are deleted.
func (s *Store) loadKey(key string, out any, check func() error) (bool, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}

	invalid := json.Unmarshal(raw, out)
	if invalid == nil && check != nil {
		invalid = check()
	}
	if invalid == nil {
		return true, nil
	}

	slog.Warn("discarding invalid persisted chat state",
		"key", key,
		"error", invalid,
	)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	}); err != nil {
		return false, fmt.Errorf("delete invalid %s: %w", key, err)
	}
	return false, nil
}

// Save writes all keys in one transaction.
func (s *Store) Save(state *chat.State) error {
	sessions := make([]chat.Session, 0, len(state.Sessions))
	for _, sess := range state.Sessions {
		if sess != nil {
			sessions = append(sessions, *sess)
		}
	}

	values := make(map[string][]byte, 3)
	var result *multierror.Error
	for key, v := range map[string]any{
		KeySessions:      sessions,
		KeyActiveSession: state.ActiveSessionID,
		KeyUsage:         state.Usage,
	} {
		data, err := json.Marshal(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("marshal %s: %w", key, err))
			continue
		}
		values[key] = data
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for key, data := range values {
			if err := txn.Set([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save chat state: %w", err)
	}
	return nil
}

// Close compacts the value log when possible and closes the database. Safe to call
// more than once.
func (s *Store) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if !s.inMemory {
		if err := s.db.RunValueLogGC(gcDiscardRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			slog.Debug("chat store value log gc skipped", "error", err)
		}
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close chat store: %w", err)
	}
	return nil
}
