package auth

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"remote-clauding/internal/watcher"
)

// StaticTokens accepts a fixed set of shared secrets. The set can be
// replaced at runtime.
type StaticTokens struct {
	mu     sync.RWMutex
	tokens []string
}

// NewStaticTokens creates a validator for the given tokens. Empty entries
// are ignored.
func NewStaticTokens(tokens ...string) *StaticTokens {
	s := &StaticTokens{}
	s.Replace(tokens)
	return s
}

// Replace swaps the accepted token set.
func (s *StaticTokens) Replace(tokens []string) {
	clean := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	s.mu.Lock()
	s.tokens = clean
	s.mu.Unlock()
}

// Len returns the number of accepted tokens.
func (s *StaticTokens) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

func (s *StaticTokens) Validate(token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrUnauthorized
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return Principal{Subject: "static", Method: "token"}, nil
		}
	}
	return Principal{}, ErrInvalidToken
}

// ReadTokenFile reads one token per line, skipping blank lines and lines
// starting with '#'.
func ReadTokenFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open token file: %w", err)
	}
	defer f.Close()

	var tokens []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens = append(tokens, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	return tokens, nil
}

// FileTokens serves the tokens listed in a file plus a fixed base set, and
// reloads the file whenever it changes.
type FileTokens struct {
	*StaticTokens
	path    string
	base    []string
	watcher *watcher.Watcher
}

// NewFileTokens loads path and starts watching it for changes.
func NewFileTokens(path string, base ...string) (*FileTokens, error) {
	ft := &FileTokens{StaticTokens: NewStaticTokens(), path: path, base: base}
	if err := ft.Reload(); err != nil {
		return nil, err
	}
	ft.watcher = watcher.New(func(string) {
		if err := ft.Reload(); err != nil {
			log.Warn().Err(err).Str("path", ft.path).Msg("token file reload failed; keeping previous tokens")
			return
		}
		log.Info().Str("path", ft.path).Int("tokens", ft.Len()).Msg("token file reloaded")
	})
	if err := ft.watcher.Watch("tokens", path); err != nil {
		return nil, err
	}
	return ft, nil
}

// Reload re-reads the token file.
func (ft *FileTokens) Reload() error {
	tokens, err := ReadTokenFile(ft.path)
	if err != nil {
		return err
	}
	ft.Replace(append(append([]string{}, ft.base...), tokens...))
	return nil
}

// Close stops watching the file.
func (ft *FileTokens) Close() {
	if ft.watcher != nil {
		ft.watcher.Shutdown()
	}
}
