// Package identity allocates stable media ids of the form {kind}-{index}.
//
// Each kind has one running counter. Primary ids are memoized per
// (kind, page slot), so asking twice for the same page returns the same id and
// two pages never share one. Pages map onto a canonical slot ordering
// (welcome=0, objectives=1, topic-N=2+N); Prime assigns a batch of pages in
// that order so an unchanged page list always derives the same ids.
//
// The assigner is an explicit state object owned by a registry for the
// lifetime of one authoring session. Its state is persisted by the caller
// through Snapshot/Restore and Drain so ids are never reused across reloads.
package identity

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rcliao/coursepack/internal/model"
)

// ErrUnknownPageSlot is returned for page role tokens outside the canonical
// slot ordering.
var ErrUnknownPageSlot = errors.New("unknown page slot")

const (
	RoleWelcome    = "welcome"
	RoleObjectives = "objectives"
	topicPrefix    = "topic-"
)

var roleAliases = map[string]string{
	"welcome":             RoleWelcome,
	"welcome-page":        RoleWelcome,
	"intro":               RoleWelcome,
	"objectives":          RoleObjectives,
	"objective":           RoleObjectives,
	"learning-objectives": RoleObjectives,
	"learningobjectives":  RoleObjectives,
}

// CanonicalRole resolves a page role token (including aliases) to its
// canonical spelling and slot.
func CanonicalRole(role string) (string, int, error) {
	token := strings.ToLower(strings.TrimSpace(role))
	if canon, ok := roleAliases[token]; ok {
		if canon == RoleWelcome {
			return canon, 0, nil
		}
		return canon, 1, nil
	}
	for _, prefix := range []string{"topic-", "topic_"} {
		if !strings.HasPrefix(token, prefix) {
			continue
		}
		digits := token[len(prefix):]
		if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
			break
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			break
		}
		return topicPrefix + strconv.Itoa(n), 2 + n, nil
	}
	return "", 0, fmt.Errorf("%w: %q", ErrUnknownPageSlot, role)
}

// Slot returns the canonical slot index of a page role.
func Slot(role string) (int, error) {
	_, slot, err := CanonicalRole(role)
	return slot, err
}

// SameRole reports whether two role tokens resolve to the same slot.
func SameRole(a, b string) bool {
	ca, _, errA := CanonicalRole(a)
	cb, _, errB := CanonicalRole(b)
	if errA != nil || errB != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return ca == cb
}

type slotKey struct {
	kind model.Kind
	slot int
}

// Snapshot is the persistable state of an Assigner.
type Snapshot struct {
	Counters    map[model.Kind]int
	Assignments []model.Assignment
}

// Assigner hands out media ids.
type Assigner struct {
	mu       sync.Mutex
	counters map[model.Kind]int
	primary  map[slotKey]string
	owners   map[string]model.Assignment
	pending  []model.Assignment
}

// NewAssigner returns an empty assigner.
func NewAssigner() *Assigner {
	a := &Assigner{}
	a.reset()
	return a
}

func (a *Assigner) reset() {
	a.counters = make(map[model.Kind]int)
	a.primary = make(map[slotKey]string)
	a.owners = make(map[string]model.Assignment)
	a.pending = nil
}

// Reset clears all counters and memoization. Only valid at the start of a
// fresh authoring session.
func (a *Assigner) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
}

// Assign returns the primary id for (kind, role), allocating it on first use.
func (a *Assigner) Assign(kind model.Kind, role string) (string, error) {
	if !model.ValidKinds[kind] {
		return "", fmt.Errorf("assign: invalid kind %q", kind)
	}
	canon, slot, err := CanonicalRole(role)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.assignLocked(kind, canon, slot), nil
}

func (a *Assigner) assignLocked(kind model.Kind, canon string, slot int) string {
	key := slotKey{kind: kind, slot: slot}
	if id, ok := a.primary[key]; ok {
		return id
	}
	id := a.allocLocked(kind, canon, true)
	a.primary[key] = id
	return id
}

func (a *Assigner) allocLocked(kind model.Kind, role string, primary bool) string {
	n := a.counters[kind]
	a.counters[kind] = n + 1
	id := fmt.Sprintf("%s-%d", kind, n)
	asg := model.Assignment{Kind: kind, Role: role, ID: id, Primary: primary}
	a.owners[id] = asg
	a.pending = append(a.pending, asg)
	return id
}

// Prime assigns primary ids for every role in canonical slot order. Roles that
// already have an id keep it.
func (a *Assigner) Prime(kind model.Kind, roles []string) error {
	if !model.ValidKinds[kind] {
		return fmt.Errorf("prime: invalid kind %q", kind)
	}
	type slotted struct {
		canon string
		slot  int
	}
	seen := make(map[int]bool, len(roles))
	ordered := make([]slotted, 0, len(roles))
	for _, role := range roles {
		canon, slot, err := CanonicalRole(role)
		if err != nil {
			return err
		}
		if seen[slot] {
			continue
		}
		seen[slot] = true
		ordered = append(ordered, slotted{canon: canon, slot: slot})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].slot < ordered[j].slot })

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range ordered {
		a.assignLocked(kind, s.canon, s.slot)
	}
	return nil
}

// Next allocates a fresh id that is never memoized, for additional records of
// the same kind on a page. An empty role allocates an unowned id.
func (a *Assigner) Next(kind model.Kind, role string) (string, error) {
	if !model.ValidKinds[kind] {
		return "", fmt.Errorf("next: invalid kind %q", kind)
	}
	canon := ""
	if strings.TrimSpace(role) != "" {
		c, _, err := CanonicalRole(role)
		if err != nil {
			return "", err
		}
		canon = c
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked(kind, canon, false), nil
}

// Owner returns the assignment that produced id.
func (a *Assigner) Owner(id string) (model.Assignment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	asg, ok := a.owners[id]
	return asg, ok
}

// Drain returns assignments made since the previous Drain.
func (a *Assigner) Drain() []model.Assignment {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.pending
	a.pending = nil
	return out
}

// Snapshot captures the full assigner state.
func (a *Assigner) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{
		Counters:    make(map[model.Kind]int, len(a.counters)),
		Assignments: make([]model.Assignment, 0, len(a.owners)),
	}
	for k, v := range a.counters {
		s.Counters[k] = v
	}
	for _, asg := range a.owners {
		s.Assignments = append(s.Assignments, asg)
	}
	sort.Slice(s.Assignments, func(i, j int) bool { return s.Assignments[i].ID < s.Assignments[j].ID })
	return s
}

// Restore replaces the assigner state with a snapshot. Counters are raised
// past any index already present in the assignments.
func (a *Assigner) Restore(s Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	for k, v := range s.Counters {
		a.counters[k] = v
	}
	for _, asg := range s.Assignments {
		idx, err := indexOf(asg.Kind, asg.ID)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if idx >= a.counters[asg.Kind] {
			a.counters[asg.Kind] = idx + 1
		}
		a.owners[asg.ID] = asg
		if asg.Primary {
			_, slot, err := CanonicalRole(asg.Role)
			if err != nil {
				return fmt.Errorf("restore %s: %w", asg.ID, err)
			}
			a.primary[slotKey{kind: asg.Kind, slot: slot}] = asg.ID
		}
	}
	return nil
}

func indexOf(kind model.Kind, id string) (int, error) {
	prefix := string(kind) + "-"
	if !strings.HasPrefix(id, prefix) {
		return 0, fmt.Errorf("id %q does not match kind %q", id, kind)
	}
	n, err := strconv.Atoi(id[len(prefix):])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("id %q has no numeric index", id)
	}
	return n, nil
}
