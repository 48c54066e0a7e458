// Package command keeps the terminal client's slash command definitions and
// usage history.
package command

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Builtin describes a REPL command.
type Builtin struct {
	Name  string
	Args  string
	Usage string
}

// Builtins lists the commands chatcli understands, in help order.
var Builtins = []Builtin{
	{"new", "", "start a new conversation"},
	{"list", "", "list conversations"},
	{"load", "<id>", "load a conversation"},
	{"delete", "<id>", "delete a conversation"},
	{"search", "<query>", "search conversations"},
	{"edit", "<id> <text>", "edit a message"},
	{"stop", "", "stop the current response"},
	{"reconnect", "", "reconnect now"},
	{"history", "", "show recently used commands"},
	{"help", "", "show this help"},
	{"quit", "", "exit"},
}

// Lookup returns the builtin with the given name, with or without the
// leading slash.
func Lookup(name string) (Builtin, bool) {
	name = strings.TrimPrefix(name, "/")
	i := slices.IndexFunc(Builtins, func(b Builtin) bool { return b.Name == name })
	if i < 0 {
		return Builtin{}, false
	}
	return Builtins[i], true
}

// Help renders the command list.
func Help() string {
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, b := range Builtins {
		left := "/" + b.Name
		if b.Args != "" {
			left += " " + b.Args
		}
		sb.WriteString("  ")
		sb.WriteString(left)
		sb.WriteString(strings.Repeat(" ", max(1, 20-len(left))))
		sb.WriteString(b.Usage)
		sb.WriteString("\n")
	}
	sb.WriteString("Anything else is sent as a message.")
	return sb.String()
}

// Recent is one remembered command line.
type Recent struct {
	Line   string    `json:"line"`
	UsedAt time.Time `json:"usedAt"`
}

const (
	fileName  = "history.json"
	maxRecent = 200
)

// Store remembers recently used command lines. With an empty dir it keeps
// history in memory only.
type Store struct {
	dir    string
	mu     sync.RWMutex
	recent []Recent // newest first
}

func NewStore(dir string) (*Store, error) {
	s := &Store{dir: dir}
	if dir == "" {
		return s, nil
	}

	recent, err := s.readFromDisk()
	if err != nil {
		return nil, err
	}
	s.recent = recent
	return s, nil
}

func (s *Store) filePath() string {
	return filepath.Join(s.dir, fileName)
}

func (s *Store) readFromDisk() ([]Recent, error) {
	data, err := os.ReadFile(s.filePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var recent []Recent
	if err := json.Unmarshal(data, &recent); err != nil {
		return nil, err
	}
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].UsedAt.After(recent[j].UsedAt)
	})
	return dedupe(recent), nil
}

// dedupe keeps the first (newest) entry per line.
func dedupe(recent []Recent) []Recent {
	seen := make(map[string]bool, len(recent))
	out := recent[:0]
	for _, r := range recent {
		if seen[r.Line] {
			continue
		}
		seen[r.Line] = true
		out = append(out, r)
	}
	return out
}

func (s *Store) persist(recent []Recent) error {
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(recent, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath(), data, 0644)
}

// List returns up to n command lines, newest first. n <= 0 returns all.
func (s *Store) List(n int) []Recent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	return slices.Clone(s.recent[:n])
}

// Use records a command line. Returns false if it does not name a builtin.
func (s *Store) Use(line string) (bool, error) {
	line = strings.TrimSpace(line)
	name, _, _ := strings.Cut(line, " ")
	if !strings.HasPrefix(name, "/") {
		return false, nil
	}
	if _, ok := Lookup(name); !ok {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newRecent := make([]Recent, 0, len(s.recent)+1)
	newRecent = append(newRecent, Recent{Line: line, UsedAt: time.Now()})
	for _, r := range s.recent {
		if r.Line != line {
			newRecent = append(newRecent, r)
		}
	}
	if len(newRecent) > maxRecent {
		newRecent = newRecent[:maxRecent]
	}

	if err := s.persist(newRecent); err != nil {
		return false, err
	}
	s.recent = newRecent
	return true, nil
}
