// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package secrets loads API keys and credentials from a directory of plain-text
// files. Each file is one secret: the filename is the key name and the trimmed
// file contents are the value.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdiddy/chapter-engine/internal/logging"
)

// Well-known secret file names.
const (
	OpenAIKey          = "openai-api-key"
	AnthropicKey       = "anthropic-api-key"
	GeminiKey          = "gemini-api-key"
	SemanticScholarKey = "semantic-scholar-api-key"
	PubMedKey          = "pubmed-api-key"
	OpenAlexEmail      = "openalex-email"
)

// Secrets maps secret names to values.
type Secrets map[string]string

// Get returns the configured value when it is non-empty, else the secret
// stored under key, else "".
func (s Secrets) Get(key, configured string) string {
	if configured != "" {
		return configured
	}
	return s[key]
}

// Names returns the loaded secret names without their values.
func (s Secrets) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	return names
}

// Load reads all files in dir. A missing directory is not an error; Load
// returns an empty set. Unreadable files are logged and skipped.
func Load(dir string, log *logging.Logger) (Secrets, error) {
	log = log.OrNop()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Secrets{}, nil
		}
		return nil, fmt.Errorf("reading secrets directory %s: %w", dir, err)
	}

	secrets := make(Secrets)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Warn("could not read secret", "name", name, "error", err)
			continue
		}

		value := strings.TrimSpace(string(data))
		if value != "" {
			secrets[name] = value
		}
	}

	return secrets, nil
}
