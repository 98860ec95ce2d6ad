// Package ids defines the identifier scheme shared by threads, sessions,
// tasks, and turns.
//
// Thread ids are hierarchical: a session root looks like
// lace_20260824_a1b2c3, and delegate threads append dot-separated child
// indices (lace_20260824_a1b2c3.1, lace_20260824_a1b2c3.1.2). The root
// segment doubles as the session id.
package ids

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ThreadID is a hierarchical thread identifier.
type ThreadID string

// IsRoot reports whether the id names a session root thread.
func (id ThreadID) IsRoot() bool {
	return !strings.Contains(string(id), ".")
}

// Root returns the session id the thread belongs to.
func (id ThreadID) Root() ThreadID {
	s := string(id)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return ThreadID(s[:i])
	}
	return id
}

// Parent returns the immediate parent thread, or "" for a root.
func (id ThreadID) Parent() ThreadID {
	s := string(id)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return ThreadID(s[:i])
	}
	return ""
}

// Child returns the id of the n-th child of this thread.
func (id ThreadID) Child(n int) ThreadID {
	return ThreadID(fmt.Sprintf("%s.%d", id, n))
}

var rootIDRe = regexp.MustCompile(`^lace_[0-9]{8}_[a-z0-9]{6}$`)

// Validate checks the id shape: a well-formed root segment followed by
// zero or more positive integer child indices.
func (id ThreadID) Validate() error {
	segments := strings.Split(string(id), ".")
	if !rootIDRe.MatchString(segments[0]) {
		return fmt.Errorf("malformed thread id %q", id)
	}
	for _, seg := range segments[1:] {
		n, err := strconv.Atoi(seg)
		if err != nil || n < 1 {
			return fmt.Errorf("malformed thread id %q: child index %q", id, seg)
		}
	}
	return nil
}

// suffix returns a short lowercase random segment.
func suffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

func stamped(prefix string) string {
	return fmt.Sprintf("%s_%s_%s", prefix, time.Now().UTC().Format("20060102"), suffix())
}

// NewSessionID mints a fresh session root id (lace_YYYYMMDD_xxxxxx).
func NewSessionID() ThreadID {
	return ThreadID(stamped("lace"))
}

// NewTaskID mints a task id (task_YYYYMMDD_xxxxxx).
func NewTaskID() string {
	return stamped("task")
}

// NewNoteID mints a task note id.
func NewNoteID() string {
	return stamped("note")
}

// NewTurnID mints a turn id.
func NewTurnID() string {
	return stamped("turn")
}

// NewAgentSpec describes a "new:<providerType>/<modelId>" task assignee.
type NewAgentSpec struct {
	ProviderType string
	ModelID      string
}

// ParseAssignee interprets a task assignee string. It is either an existing
// thread id or a new-agent spec; exactly one of the two returns is set.
func ParseAssignee(s string) (ThreadID, *NewAgentSpec, error) {
	if rest, ok := strings.CutPrefix(s, "new:"); ok {
		providerType, modelID, found := strings.Cut(rest, "/")
		if !found || providerType == "" || modelID == "" {
			return "", nil, fmt.Errorf("assignee %q: want new:<providerType>/<modelId>", s)
		}
		return "", &NewAgentSpec{ProviderType: providerType, ModelID: modelID}, nil
	}
	if !strings.HasPrefix(s, "lace_") {
		return "", nil, fmt.Errorf("assignee %q is neither a thread id nor a new-agent spec", s)
	}
	return ThreadID(s), nil, nil
}
