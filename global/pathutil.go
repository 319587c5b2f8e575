/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package global

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHomePath expands a leading ~/ to the user's home directory
func ExpandHomePath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// ResolvePath resolves path against baseDir.
// Absolute paths and ~/ paths are returned expanded; relative paths are joined with baseDir.
func ResolvePath(baseDir, path string) string {
	if path == "" {
		return ""
	}
	expanded := ExpandHomePath(path)
	if filepath.IsAbs(expanded) {
		return expanded
	}
	return filepath.Join(baseDir, expanded)
}

// ResolveSecret returns value, or the named environment variable when value has the
// form "env:NAME". A missing variable is an error.
func ResolveSecret(value string) (string, error) {
	if !strings.HasPrefix(value, EnvKeyPrefix) {
		return value, nil
	}
	name := strings.TrimPrefix(value, EnvKeyPrefix)
	if name == "" {
		return "", fmt.Errorf("empty environment variable name in %q", value)
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}
