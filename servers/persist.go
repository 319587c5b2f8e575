/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package servers

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/PivotLLM/Switchboard/global"
	"github.com/google/uuid"
)

var ErrNoConfigFile = errors.New("no server config file configured")

// SyncResult reports how the registry changed when reconciled with a document
type SyncResult struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Updated []string `json:"updated,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// ConfigFile returns the configured document, or nil
func (m *Manager) ConfigFile() *ConfigFile {
	return m.file
}

// LoadFromConfig registers every server in the config document. Servers that
// are already registered are left alone.
func (m *Manager) LoadFromConfig() (*SyncResult, error) {
	if m.file == nil {
		return nil, ErrNoConfigFile
	}
	doc, err := m.file.Load()
	if err != nil {
		return nil, err
	}

	result := &SyncResult{}
	for _, d := range doc.Servers {
		if _, err := m.GetStatus(d.ID); err == nil {
			result.Skipped = append(result.Skipped, d.ID)
			continue
		}
		if err := m.Register(d); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", d.ID, err))
			continue
		}
		result.Added = append(result.Added, d.ID)
	}
	m.logger.Infof("Loaded %d servers from %s", len(result.Added), m.file.Path())
	return result, nil
}

// SaveToConfig writes the registry to the config document. Runtime state is
// never written.
func (m *Manager) SaveToConfig() error {
	if m.file == nil {
		return ErrNoConfigFile
	}
	return m.file.Save(m.Descriptors())
}

// Backup copies the config document aside and returns the backup path
func (m *Manager) Backup() (string, error) {
	if m.file == nil {
		return "", ErrNoConfigFile
	}
	return m.file.Backup()
}

// Import registers the servers in a config document text. Entries without an
// id get a generated one and entries whose id is already registered are
// skipped. A malformed document is rejected as a whole. When a config file is
// set it is backed up before the merged registry is written.
func (m *Manager) Import(data []byte) (*global.ImportResult, error) {
	entries, err := parseImport(data)
	if err != nil {
		return nil, err
	}

	result := &global.ImportResult{Added: []string{}, Skipped: []string{}}
	if m.file != nil {
		if result.Backup, err = m.file.Backup(); err != nil {
			return nil, err
		}
	}

	for i, d := range entries {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		label := d.Name
		if label == "" {
			label = fmt.Sprintf("servers[%d]", i)
		}
		if problems := descriptorProblems(&d); len(problems) > 0 {
			for _, p := range problems {
				result.Errors = append(result.Errors, label+": "+p)
			}
			continue
		}
		if _, err := m.GetStatus(d.ID); err == nil {
			result.Skipped = append(result.Skipped, d.ID)
			continue
		}
		if err := m.Register(d); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", label, err))
			continue
		}
		result.Added = append(result.Added, d.ID)
	}

	if m.file != nil && len(result.Added) > 0 {
		if err := m.SaveToConfig(); err != nil {
			return result, err
		}
	}
	m.logger.Infof("Imported servers: %d added, %d skipped, %d errors", len(result.Added), len(result.Skipped), len(result.Errors))
	return result, nil
}

// Sync reconciles the registry with a list of descriptors. New entries are
// registered and missing ones deregistered. Changed entries are updated only
// while their server is disconnected.
func (m *Manager) Sync(desired []global.ServerDescriptor) *SyncResult {
	result := &SyncResult{}
	want := make(map[string]bool, len(desired))

	for _, d := range desired {
		want[d.ID] = true
		current, err := m.GetStatus(d.ID)
		if err != nil {
			if err := m.Register(d); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", d.ID, err))
				continue
			}
			result.Added = append(result.Added, d.ID)
			continue
		}

		if sameDescriptor(&current.ServerDescriptor, &d) {
			continue
		}
		if err := m.Update(d); err != nil {
			if errors.Is(err, ErrServerBusy) {
				result.Skipped = append(result.Skipped, d.ID)
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", d.ID, err))
			continue
		}
		result.Updated = append(result.Updated, d.ID)
	}

	for _, s := range m.List() {
		if want[s.ID] {
			continue
		}
		if err := m.Deregister(s.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", s.ID, err))
			continue
		}
		result.Removed = append(result.Removed, s.ID)
	}
	return result
}

// sameDescriptor compares the persisted fields of two descriptors
func sameDescriptor(a, b *global.ServerDescriptor) bool {
	x, y := a.Clone(), b.Clone()
	for _, d := range []*global.ServerDescriptor{&x, &y} {
		d.Status = ""
		d.LastError = ""
		d.Tools = nil
		d.Resources = nil
		if len(d.Args) == 0 {
			d.Args = nil
		}
		if len(d.Env) == 0 {
			d.Env = nil
		}
	}
	return reflect.DeepEqual(x, y)
}
