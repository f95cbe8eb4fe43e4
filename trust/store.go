package trust

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/asciichat/asciichat/crypto"
)

// Store file layout constants.
const (
	// DefaultDirName is the per-user configuration directory.
	DefaultDirName = ".ascii-chat"
	// DefaultFileName is the known-hosts file inside it.
	DefaultFileName = "known_hosts"

	// keyAlgorithm tags lines carrying a pinned X25519 key.
	keyAlgorithm = "x25519"
	// noIdentityMarker tags endpoints pinned as running without an
	// identity key. The key column holds the all-zero placeholder so
	// every line has the same shape.
	noIdentityMarker = "no-identity"

	dirPerm  = 0o700
	filePerm = 0o600
)

// InsecureSkipVerifyEnv bypasses host verification entirely when set to
// "1". Exists for development against throwaway servers; every use is
// logged as a security warning.
const InsecureSkipVerifyEnv = "ASCIICHAT_INSECURE_SKIP_HOST_VERIFY"

// Status is the three-way result of a known-hosts lookup.
type Status int

const (
	// StatusUnknown means the endpoint has no pinned entry.
	StatusUnknown Status = iota
	// StatusVerified means the presented key matches the pinned one.
	StatusVerified
	// StatusMismatch means the endpoint is pinned with different key
	// material. Possible MITM; never treated as merely unknown.
	StatusMismatch
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusVerified:
		return "verified"
	case StatusMismatch:
		return "mismatch"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// EntryKind distinguishes a pinned identity key from a pinned
// no-identity marker. The kinds are separate so a server that gains or
// loses its identity key reads as a mismatch, not as unknown.
type EntryKind int

const (
	// EntryIdentity pins a server's X25519 identity public key.
	EntryIdentity EntryKind = iota
	// EntryNoIdentity pins the fact that a server runs without an
	// identity key.
	EntryNoIdentity
)

// ErrZeroKey indicates an all-zero key passed where a real identity key
// is required. The no-identity path has its own entry point.
var ErrZeroKey = errors.New("all-zero key is not a valid identity key")

// entry is one parsed known-hosts line.
type entry struct {
	endpoint string
	kind     EntryKind
	key      [32]byte
	comment  string
}

// Store is a known-hosts file with single-writer discipline. File reads
// and writes hold an in-process mutex; multi-process writers are out of
// scope, matching standard known_hosts handling.
type Store struct {
	mu   sync.Mutex
	path string
}

// DefaultPath returns ~/.ascii-chat/known_hosts.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, DefaultDirName, DefaultFileName), nil
}

// NewStore creates a store backed by the given file path. An empty path
// selects the default location.
func NewStore(path string) (*Store, error) {
	if path == "" {
		def, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = def
	}
	return &Store{path: path}, nil
}

// Path returns the backing file path, for user-facing messages.
func (s *Store) Path() string { return s.path }

// FormatEndpoint renders host:port with IPv6 hosts bracketed, the same
// shape used in the file and in messages.
func FormatEndpoint(host string, port int) string {
	if strings.Contains(host, ":") {
		return fmt.Sprintf("[%s]:%d", host, port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Fingerprint returns the hex SHA-256 of a public key for user-facing
// display.
func Fingerprint(key [32]byte) string {
	sum := sha256.Sum256(key[:])
	return hex.EncodeToString(sum[:])
}

// Check looks up an endpoint against a presented identity key. All-zero
// keys are invalid input here; servers without an identity key go
// through CheckNoIdentity.
func (s *Store) Check(host string, port int, key [32]byte) (Status, error) {
	if key == ([32]byte{}) {
		return StatusUnknown, ErrZeroKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return StatusUnknown, err
	}

	endpoint := FormatEndpoint(host, port)
	found := false
	for _, e := range entries {
		if e.endpoint != endpoint {
			continue
		}
		found = true
		if e.kind == EntryIdentity && crypto.SecureCompare(e.key[:], key[:]) {
			return StatusVerified, nil
		}
	}
	if !found {
		return StatusUnknown, nil
	}

	// The endpoint is pinned, but either with a different key or as
	// no-identity. Both are key material changes.
	logrus.WithFields(logrus.Fields{
		"function":    "Check",
		"endpoint":    endpoint,
		"fingerprint": Fingerprint(key),
	}).Warn("Known host presented different key material")

	return StatusMismatch, nil
}

// CheckNoIdentity looks up an endpoint that presented no identity key.
// A pinned no-identity marker verifies; a pinned identity key is a
// mismatch (the server lost or hid its identity).
func (s *Store) CheckNoIdentity(host string, port int) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return StatusUnknown, err
	}

	endpoint := FormatEndpoint(host, port)
	found := false
	for _, e := range entries {
		if e.endpoint != endpoint {
			continue
		}
		found = true
		if e.kind == EntryNoIdentity {
			return StatusVerified, nil
		}
	}
	if !found {
		return StatusUnknown, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "CheckNoIdentity",
		"endpoint": endpoint,
	}).Warn("Known host with pinned identity key now presents none")

	return StatusMismatch, nil
}

// Add pins an endpoint by appending one line. An all-zero key pins the
// no-identity marker. Creates the directory (0700) and file (0600) on
// first use.
func (s *Store) Add(host string, port int, key [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), dirPerm); err != nil {
		return fmt.Errorf("failed to create trust directory: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open known hosts file: %w", err)
	}
	defer f.Close()

	endpoint := FormatEndpoint(host, port)
	algorithm := keyAlgorithm
	if key == ([32]byte{}) {
		algorithm = noIdentityMarker
	}

	line := fmt.Sprintf("%s %s %s\n", endpoint, algorithm, hex.EncodeToString(key[:]))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append known hosts entry: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Add",
		"endpoint":  endpoint,
		"algorithm": algorithm,
	}).Info("Pinned server key in known hosts")

	return nil
}

// Remove drops all entries for an endpoint, rewriting the file.
func (s *Store) Remove(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}

	endpoint := FormatEndpoint(host, port)
	kept := entries[:0]
	for _, e := range entries {
		if e.endpoint != endpoint {
			kept = append(kept, e)
		}
	}

	var sb strings.Builder
	for _, e := range kept {
		algorithm := keyAlgorithm
		if e.kind == EntryNoIdentity {
			algorithm = noIdentityMarker
		}
		sb.WriteString(e.endpoint)
		sb.WriteByte(' ')
		sb.WriteString(algorithm)
		sb.WriteByte(' ')
		sb.WriteString(hex.EncodeToString(e.key[:]))
		if e.comment != "" {
			sb.WriteByte(' ')
			sb.WriteString(e.comment)
		}
		sb.WriteByte('\n')
	}

	if err := os.WriteFile(s.path, []byte(sb.String()), filePerm); err != nil {
		return fmt.Errorf("failed to rewrite known hosts file: %w", err)
	}
	return nil
}

// load parses the backing file. A missing file is an empty store;
// malformed lines are skipped with a debug log, never fatal, so one bad
// line cannot lock a user out of their whole store.
func (s *Store) load() ([]entry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open known hosts file: %w", err)
	}
	defer f.Close()

	var entries []entry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		e, err := parseLine(line)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "load",
				"line":     lineNo,
				"error":    err.Error(),
			}).Debug("Skipping malformed known hosts line")
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read known hosts file: %w", err)
	}
	return entries, nil
}

// parseLine parses `endpoint algorithm hexkey [comment]`.
func parseLine(line string) (entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return entry{}, fmt.Errorf("expected at least 3 fields, got %d", len(fields))
	}

	e := entry{endpoint: fields[0]}
	switch fields[1] {
	case keyAlgorithm:
		e.kind = EntryIdentity
	case noIdentityMarker:
		e.kind = EntryNoIdentity
	default:
		return entry{}, fmt.Errorf("unknown algorithm %q", fields[1])
	}

	keyBytes, err := hex.DecodeString(fields[2])
	if err != nil {
		return entry{}, fmt.Errorf("invalid key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return entry{}, fmt.Errorf("key is %d bytes, want 32", len(keyBytes))
	}
	copy(e.key[:], keyBytes)

	if e.kind == EntryIdentity && e.key == ([32]byte{}) {
		return entry{}, errors.New("identity line with all-zero key")
	}

	if len(fields) > 3 {
		e.comment = strings.Join(fields[3:], " ")
	}
	return e, nil
}

// MismatchMessage builds the user-facing explanation for a key
// mismatch: what changed, where the pin lives, and how to clear it if
// the change is expected.
func (s *Store) MismatchMessage(host string, port int, presented [32]byte) string {
	endpoint := FormatEndpoint(host, port)
	return fmt.Sprintf(
		"WARNING: the identity key for %s has changed.\n"+
			"This could mean the server was reinstalled, or that someone is\n"+
			"intercepting your connection (man-in-the-middle attack).\n"+
			"Presented key fingerprint: SHA256:%s\n"+
			"The previously pinned key is stored in %s.\n"+
			"If you trust the new key, remove the old entry for %s from that\n"+
			"file and reconnect.",
		endpoint, Fingerprint(presented), s.path, endpoint)
}

// InsecureSkipVerify reports whether host verification is disabled via
// the environment. Every true result is logged loudly.
func InsecureSkipVerify() bool {
	if os.Getenv(InsecureSkipVerifyEnv) != "1" {
		return false
	}
	logrus.WithFields(logrus.Fields{
		"function": "InsecureSkipVerify",
		"variable": InsecureSkipVerifyEnv,
	}).Warn("SECURITY: host key verification disabled by environment override")
	return true
}
