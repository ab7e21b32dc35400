// Package secrets resolves named secret values for injection into container
// environments. Resolution is layered: an optional dotenv file first, then
// the process environment. A name missing from every layer resolves to
// nothing rather than an error; the consumer decides whether absence
// matters.
package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Source resolves secrets from a dotenv file and the environment.
// Implements the engine's secret source contract.
type Source struct {
	// prefix narrows environment lookups, e.g. "SKIFF_SECRET_".
	prefix string

	// file holds values loaded from a dotenv file. Environment values
	// win over file values.
	file map[string]string
}

// Option configures a Source.
type Option func(*Source) error

// WithEnvPrefix restricts environment lookups to prefixed variables. A
// request for "DB_PASSWORD" reads "<prefix>DB_PASSWORD".
func WithEnvPrefix(prefix string) Option {
	return func(s *Source) error {
		s.prefix = prefix
		return nil
	}
}

// WithDotenvFile loads values from a dotenv file. A missing file is not an
// error so projects without one need no configuration.
func WithDotenvFile(path string) Option {
	return func(s *Source) error {
		values, err := parseDotenv(path)
		if err != nil {
			return err
		}
		for k, v := range values {
			s.file[k] = v
		}
		return nil
	}
}

// New creates a secret source.
func New(opts ...Option) (*Source, error) {
	s := &Source{file: make(map[string]string)}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Resolve returns the values for the requested names. Names that resolve
// nowhere are absent from the result, not an error.
func (s *Source) Resolve(names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := os.LookupEnv(s.prefix + name); ok {
			out[name] = v
			continue
		}
		if v, ok := s.file[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

// parseDotenv reads KEY=VALUE lines. Blank lines and # comments are
// skipped; single or double quotes around the value are stripped.
func parseDotenv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: open %s: %w", path, err)
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("secrets: %s:%d: expected KEY=VALUE", path, lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", path, err)
	}
	return values, nil
}
