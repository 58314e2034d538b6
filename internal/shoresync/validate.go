package shoresync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaSuffix = ".schema.json"

// PayloadValidator checks queued payloads against per-table JSON Schemas
// loaded from a directory. A table without a schema file passes unchecked.
// With Watch enabled, edits to the directory reload schemas in place so a
// deployment can tighten validation without a restart.
type PayloadValidator struct {
	dir    string
	logger zerolog.Logger

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type PayloadValidatorOptions struct {
	Dir    string
	Watch  bool
	Logger zerolog.Logger
}

func NewPayloadValidator(opts PayloadValidatorOptions) (*PayloadValidator, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, ErrInvalidInput
	}
	v := &PayloadValidator{
		dir:     opts.Dir,
		logger:  opts.Logger,
		schemas: map[string]*jsonschema.Schema{},
		done:    make(chan struct{}),
	}
	if err := v.loadAll(); err != nil {
		return nil, err
	}
	if opts.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
		if err := watcher.Add(opts.Dir); err != nil {
			_ = watcher.Close()
			return nil, err
		}
		v.watcher = watcher
		v.wg.Add(1)
		go v.watch()
	}
	return v, nil
}

func (v *PayloadValidator) Close() error {
	v.closeOnce.Do(func() {
		close(v.done)
	})
	if v.watcher != nil {
		err := v.watcher.Close()
		v.wg.Wait()
		return err
	}
	return nil
}

func (v *PayloadValidator) loadAll() error {
	entries, err := os.ReadDir(v.dir)
	if err != nil {
		return err
	}
	loaded := map[string]*jsonschema.Schema{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), schemaSuffix) {
			continue
		}
		table := strings.TrimSuffix(entry.Name(), schemaSuffix)
		schema, err := compileSchemaFile(filepath.Join(v.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("schema for table %s: %w", table, err)
		}
		loaded[table] = schema
	}
	v.mu.Lock()
	v.schemas = loaded
	v.mu.Unlock()
	return nil
}

func (v *PayloadValidator) watch() {
	defer v.wg.Done()
	for {
		select {
		case <-v.done:
			return
		case event, ok := <-v.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, schemaSuffix) {
				continue
			}
			table := strings.TrimSuffix(filepath.Base(event.Name), schemaSuffix)
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				schema, err := compileSchemaFile(event.Name)
				if err != nil {
					// keep the previous schema rather than drop validation
					v.logger.Warn().Str("table", table).Err(err).Msg("schema reload failed; previous schema kept")
					continue
				}
				v.mu.Lock()
				v.schemas[table] = schema
				v.mu.Unlock()
				v.logger.Info().Str("table", table).Msg("schema reloaded")
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				v.mu.Lock()
				delete(v.schemas, table)
				v.mu.Unlock()
				v.logger.Info().Str("table", table).Msg("schema removed; table now unvalidated")
			}
		case err, ok := <-v.watcher.Errors:
			if !ok {
				return
			}
			v.logger.Warn().Err(err).Msg("schema watcher error")
		}
	}
}

func compileSchemaFile(path string) (*jsonschema.Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(path, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(path)
}

// Tables lists the tables that currently carry a schema.
func (v *PayloadValidator) Tables() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	tables := make([]string, 0, len(v.schemas))
	for table := range v.schemas {
		tables = append(tables, table)
	}
	return tables
}

func (v *PayloadValidator) Validate(table string, payload json.RawMessage) error {
	v.mu.RLock()
	schema := v.schemas[table]
	v.mu.RUnlock()
	if schema == nil {
		return nil
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadRejected, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadRejected, err)
	}
	return nil
}
