// Package roster keeps the operator and agent lists loaded from a text file.
// The file is watched for changes and reloaded on write, so the list can be
// edited without restarting the bot.
package roster

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Role is the authority level granted by a roster line
type Role string

// roster roles, special implies operator authority plus special-flag rights
const (
	RoleOperator Role = "operator"
	RoleAgent    Role = "agent"
	RoleSpecial  Role = "special"
)

// Roster is a thread-safe view of the roster file. A line is "role:user_id",
// blank lines and #-comments ignored.
type Roster struct {
	path string

	mu      sync.RWMutex
	entries map[string]Role
}

// New loads the roster from the file. Missing file makes an empty roster,
// the watcher will pick it up if it appears later.
func New(path string) (*Roster, error) {
	res := &Roster{path: path, entries: map[string]Role{}}
	fh, err := os.Open(path) //nolint gosec // path is controlled by the app
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[WARN] roster file %s not found, starting empty", path)
			return res, nil
		}
		return nil, fmt.Errorf("failed to open roster file %s: %w", path, err)
	}
	defer fh.Close()

	if err := res.load(fh); err != nil {
		return nil, fmt.Errorf("failed to load roster file %s: %w", path, err)
	}
	return res, nil
}

// Watch blocks watching the roster file and reloads it on change,
// returns when ctx is canceled.
func (r *Roster) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	done := make(chan bool)
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				log.Printf("[INFO] stopping roster watcher for %s, %v", r.path, ctx.Err())
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					data, e := readFile(r.path)
					if e != nil {
						log.Printf("[WARN] failed to read updated roster %s: %v", r.path, e)
						continue
					}
					if e = r.load(data); e != nil {
						log.Printf("[WARN] failed to load updated roster %s: %v", r.path, e)
						continue
					}
					log.Printf("[INFO] roster %s reloaded, %d entries", r.path, r.Len())
				}
			case e, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[WARN] roster watcher error: %v", e)
			}
		}
	}()

	if err := watcher.Add(r.path); err != nil {
		return fmt.Errorf("failed to add %s to watcher: %w", r.path, err)
	}
	<-done
	return nil
}

// IsOperator reports if the user id has operator or special authority
func (r *Roster) IsOperator(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role := r.entries[id]
	return role == RoleOperator || role == RoleSpecial
}

// IsAgent reports if the user id has agent authority.
// Operators and specials count as agents too.
func (r *Roster) IsAgent(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role := r.entries[id]
	return role == RoleAgent || role == RoleOperator || role == RoleSpecial
}

// IsSpecial reports if the user id may apply and remove the special flag
func (r *Roster) IsSpecial(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id] == RoleSpecial
}

// Len returns the number of roster entries
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// load parses the roster and swaps the whole map on success
func (r *Roster) load(reader io.Reader) error {
	entries := map[string]Role{}
	scanner := bufio.NewScanner(reader)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		role, id, found := strings.Cut(text, ":")
		if !found {
			return fmt.Errorf("line %d: expected role:user_id, got %q", line, text)
		}
		role, id = strings.TrimSpace(role), strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("line %d: empty user id", line)
		}
		switch Role(role) {
		case RoleOperator, RoleAgent, RoleSpecial:
			entries[id] = Role(role)
		default:
			return fmt.Errorf("line %d: unknown role %q", line, role)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan roster: %w", err)
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

func readFile(path string) (io.Reader, error) {
	file, err := os.Open(path) //nolint gosec // path is controlled by the app
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return bytes.NewReader(data), nil
}
