/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package servers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/logging"
	"github.com/gofrs/flock"
)

// backupTimeFormat is used in backup file names
const backupTimeFormat = "20060102-150405.000"

// ConfigFile reads and writes the tool server config document
type ConfigFile struct {
	path   string
	logger *logging.Logger
}

// NewConfigFile creates a ConfigFile for path
func NewConfigFile(path string, logger *logging.Logger) *ConfigFile {
	return &ConfigFile{path: path, logger: logger}
}

// Path returns the document path
func (f *ConfigFile) Path() string {
	return f.path
}

// withLock executes fn while holding the document lock
func (f *ConfigFile) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	lock := flock.New(f.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	return fn()
}

// Load reads and validates the document. A missing file yields an empty document.
func (f *ConfigFile) Load() (*global.ServerConfigDocument, error) {
	var doc *global.ServerConfigDocument
	err := f.withLock(func() error {
		var err error
		doc, err = f.read()
		return err
	})
	return doc, err
}

func (f *ConfigFile) read() (*global.ServerConfigDocument, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &global.ServerConfigDocument{Version: global.ServerConfigVersion, Servers: []global.ServerDescriptor{}}, nil
		}
		return nil, fmt.Errorf("failed to read server config: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return &global.ServerConfigDocument{Version: global.ServerConfigVersion, Servers: []global.ServerDescriptor{}}, nil
	}

	if err := ValidateDocument(data); err != nil {
		return nil, err
	}

	var doc global.ServerConfigDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse server config: %w", err)
	}
	if doc.Servers == nil {
		doc.Servers = []global.ServerDescriptor{}
	}
	return &doc, nil
}

// Save replaces the document's server list. The document is validated before
// anything is written; an invalid document leaves the file untouched.
func (f *ConfigFile) Save(servers []global.ServerDescriptor) error {
	return f.withLock(func() error {
		return f.write(servers)
	})
}

func (f *ConfigFile) write(servers []global.ServerDescriptor) error {
	if servers == nil {
		servers = []global.ServerDescriptor{}
	}
	doc := global.ServerConfigDocument{
		Version:      global.ServerConfigVersion,
		LastModified: time.Now().UTC().Format(time.RFC3339),
		Servers:      servers,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal server config: %w", err)
	}
	if err := ValidateDocument(data); err != nil {
		return err
	}

	if err := global.AtomicWrite(f.path, append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write server config: %w", err)
	}
	if f.logger != nil {
		f.logger.Debugf("Wrote %d servers to %s", len(servers), f.path)
	}
	return nil
}

// Backup copies the document to <path>.<timestamp>.bak and returns the backup
// path. It returns an empty path when there is no document yet.
func (f *ConfigFile) Backup() (string, error) {
	var backup string
	err := f.withLock(func() error {
		var err error
		backup, err = f.backup()
		return err
	})
	return backup, err
}

func (f *ConfigFile) backup() (string, error) {
	if !global.FileExists(f.path) {
		return "", nil
	}
	backup := fmt.Sprintf("%s.%s.bak", f.path, time.Now().UTC().Format(backupTimeFormat))
	if err := global.CopyFile(f.path, backup); err != nil {
		return "", fmt.Errorf("failed to back up server config: %w", err)
	}
	if f.logger != nil {
		f.logger.Infof("Backed up server config to %s", backup)
	}
	return backup, nil
}

// parseImport decodes import text. Both a full document and a bare array of
// descriptors are accepted. Entries are not validated individually here.
func parseImport(data []byte) ([]global.ServerDescriptor, error) {
	if problems := checkDynamicExpressions(string(data)); len(problems) > 0 {
		return nil, global.NewValidationError("server import", problems)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []global.ServerDescriptor
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, global.NewValidationError("server import", []string{fmt.Sprintf("malformed JSON: %v", err)})
		}
		return list, nil
	}

	problems, err := checkSchema(trimmed)
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		return nil, global.NewValidationError("server import", problems)
	}

	var doc global.ServerConfigDocument
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, global.NewValidationError("server import", []string{err.Error()})
	}
	return doc.Servers, nil
}
