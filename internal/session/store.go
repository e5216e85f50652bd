package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/runtime"
)

// messageSchemaVersion tags each persisted message row so the log format
// can evolve.
const messageSchemaVersion = 1

// Metadata is the persisted session record (metadata.json).
type Metadata struct {
	SessionID       string    `json:"session_id"`
	Cwd             string    `json:"cwd"`
	Name            string    `json:"name,omitempty"`
	Created         time.Time `json:"created"`
	Updated         time.Time `json:"updated"`
	TurnCount       int       `json:"turn_count"`
	State           string    `json:"state"`
	Bundle          string    `json:"bundle,omitempty"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
}

// IsChild reports whether this session was spawned by another. The id
// heuristic is best-effort; an explicit parent always wins.
func (m *Metadata) IsChild() bool {
	if m.ParentSessionID != "" {
		return true
	}
	return strings.Contains(m.SessionID, "_") && strings.Contains(m.SessionID, "-")
}

// EncodeProjectPath maps a working directory to its storage directory
// name: path separators become "-" and the result always leads with "-".
// The mapping is lossy for directory names that already contain "-".
func EncodeProjectPath(cwd string) string {
	encoded := strings.NewReplacer("/", "-", "\\", "-").Replace(cwd)
	if !strings.HasPrefix(encoded, "-") {
		encoded = "-" + encoded
	}
	return encoded
}

// DecodeProjectPath inverts EncodeProjectPath.
func DecodeProjectPath(encoded string) string {
	return strings.ReplaceAll(encoded, "-", "/")
}

// messageRow is the JSONL schema for one message-log line.
type messageRow struct {
	V       int             `json:"v"`
	Role    string          `json:"role"`
	Content []runtime.Block `json:"content"`
	TS      time.Time       `json:"ts"`
}

// Store persists session metadata and message logs under
// <root>/<encoded_cwd>/sessions/<session_id>/.
type Store struct {
	root   string
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per session id write serialization
}

// NewStore creates a store rooted at the projects directory.
func NewStore(root string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{
		root:   root,
		logger: log,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Root returns the projects directory the store writes under.
func (s *Store) Root() string { return s.root }

func (s *Store) sessionDir(cwd, sessionID string) string {
	return filepath.Join(s.root, EncodeProjectPath(cwd), "sessions", sessionID)
}

func (s *Store) lock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// SaveMetadata writes metadata.json atomically.
func (s *Store) SaveMetadata(meta Metadata) error {
	lock := s.lock(meta.SessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.sessionDir(meta.Cwd, meta.SessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	tmp := filepath.Join(dir, "metadata.json.tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "metadata.json")); err != nil {
		return fmt.Errorf("replacing metadata: %w", err)
	}
	return nil
}

// LoadMetadata reads one session's metadata.json.
func (s *Store) LoadMetadata(cwd, sessionID string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(cwd, sessionID), "metadata.json"))
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decoding metadata for %s: %w", sessionID, err)
	}
	return meta, nil
}

// AppendMessage appends one row to messages.jsonl.
func (s *Store) AppendMessage(cwd, sessionID string, msg runtime.Message) error {
	lock := s.lock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.sessionDir(cwd, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	row := messageRow{
		V:       messageSchemaVersion,
		Role:    msg.Role,
		Content: msg.Content,
		TS:      msg.Timestamp,
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, "messages.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening message log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

// LoadMessages reads the message log. Unparseable lines are skipped with
// a warning so one corrupt row does not lose the whole transcript.
func (s *Store) LoadMessages(cwd, sessionID string) ([]runtime.Message, error) {
	file, err := os.Open(filepath.Join(s.sessionDir(cwd, sessionID), "messages.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var messages []runtime.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var row messageRow
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			s.logger.Warn("Skipping corrupt message row",
				zap.String("session_id", sessionID),
				zap.Int("line", line),
				zap.Error(err))
			continue
		}
		messages = append(messages, runtime.Message{
			Role:      row.Role,
			Content:   row.Content,
			Timestamp: row.TS,
		})
	}
	if err := scanner.Err(); err != nil {
		return messages, fmt.Errorf("reading message log: %w", err)
	}
	return messages, nil
}

// ListSessions enumerates the persisted sessions of one project. A session
// directory with missing or corrupt metadata yields a minimal record
// instead of an error.
func (s *Store) ListSessions(cwd string) ([]Metadata, error) {
	sessionsDir := filepath.Join(s.root, EncodeProjectPath(cwd), "sessions")
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Metadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessionID := entry.Name()
		meta, err := s.LoadMetadata(cwd, sessionID)
		if err != nil {
			s.logger.Warn("Session has unreadable metadata",
				zap.String("session_id", sessionID),
				zap.Error(err))
			meta = Metadata{
				SessionID: sessionID,
				Cwd:       cwd,
				State:     "unknown",
				TurnCount: 0,
			}
		}
		out = append(out, meta)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Updated.After(out[j].Updated) })
	return out, nil
}

// ListProjects returns the decoded working directories that have
// persisted sessions.
func (s *Store) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var projects []string
	for _, entry := range entries {
		if entry.IsDir() {
			projects = append(projects, DecodeProjectPath(entry.Name()))
		}
	}
	sort.Strings(projects)
	return projects, nil
}

// FindSession scans every project for a session id. Used when resuming
// without knowing the original working directory.
func (s *Store) FindSession(sessionID string) (Metadata, bool) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return Metadata{}, false
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cwd := DecodeProjectPath(entry.Name())
		dir := filepath.Join(s.root, entry.Name(), "sessions", sessionID)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		meta, err := s.LoadMetadata(cwd, sessionID)
		if err != nil {
			return Metadata{
				SessionID: sessionID,
				Cwd:       cwd,
				State:     "unknown",
				TurnCount: 0,
			}, true
		}
		return meta, true
	}
	return Metadata{}, false
}
