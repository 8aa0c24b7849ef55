// Package state persists publish workflow progress to a JSON file so an
// interrupted run can be resumed from the step it reached.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// State is a step in the publish workflow.
type State string

const (
	Initial    State = "INITIAL"
	Detecting  State = "DETECTING"
	Validating State = "VALIDATING"
	DryRun     State = "DRY_RUN"
	Confirming State = "CONFIRMING"
	Publishing State = "PUBLISHING"
	Verifying  State = "VERIFYING"
	Success    State = "SUCCESS"
	Failed     State = "FAILED"
	RolledBack State = "ROLLED_BACK"
)

// FileName is the default state file written into the project root.
const FileName = ".publish-state.json"

// Transition records a single state change in the append-only history.
type Transition struct {
	From      State             `json:"from"`
	To        State             `json:"to"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Data is the persisted form of the machine.
type Data struct {
	CurrentState State        `json:"currentState"`
	Registry     string       `json:"registry,omitempty"`
	Version      string       `json:"version,omitempty"`
	PackageName  string       `json:"packageName,omitempty"`
	Error        string       `json:"error,omitempty"`
	StartedAt    time.Time    `json:"startedAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	Transitions  []Transition `json:"transitions"`
	CanResume    bool         `json:"canResume"`
}

// ErrLocked is returned by Lock when another process holds the run lock
// for the same state file.
var ErrLocked = errors.New("another publish is already running for this project")

// Machine tracks the current workflow state and mirrors every change to
// disk. It is not safe for concurrent use; cross-process exclusion is
// provided by Lock.
type Machine struct {
	path string
	lock *flock.Flock
	data Data
}

// NewMachine creates a machine backed by .publish-state.json in
// projectPath. The file is not created until the first transition.
func NewMachine(projectPath string) *Machine {
	return newMachine(filepath.Join(projectPath, FileName))
}

// NewNamespacedMachine creates a machine whose state file is namespaced
// by registry, so concurrent batch workers never share a file.
func NewNamespacedMachine(projectPath, registry string) *Machine {
	name := fmt.Sprintf(".publish-state.%s.json", registry)
	return newMachine(filepath.Join(projectPath, name))
}

func newMachine(path string) *Machine {
	return &Machine{
		path: path,
		lock: flock.New(path + ".lock"),
		data: Data{CurrentState: Initial, StartedAt: time.Now().UTC()},
	}
}

// Lock takes the cross-process run lock for this state file. It does
// not block: if another process holds the lock, ErrLocked is returned.
func (m *Machine) Lock() error {
	ok, err := m.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Unlock releases the run lock and removes the lock file.
func (m *Machine) Unlock() {
	if err := m.lock.Unlock(); err == nil {
		os.Remove(m.lock.Path())
	}
}

// Current returns the current state.
func (m *Machine) Current() State { return m.data.CurrentState }

// Data returns a copy of the persisted state, including the full
// transition history.
func (m *Machine) Data() Data {
	d := m.data
	d.Transitions = append([]Transition(nil), m.data.Transitions...)
	return d
}

// LastError returns the error recorded by the most recent failing
// transition, if any.
func (m *Machine) LastError() string { return m.data.Error }

// Transition moves the machine to the given state, appends the change
// to the history, and persists the result atomically. Metadata keys
// "registry", "version", "packageName" and "error" update the
// corresponding top-level fields.
func (m *Machine) Transition(to State, metadata map[string]string) error {
	now := time.Now().UTC()
	m.data.Transitions = append(m.data.Transitions, Transition{
		From:      m.data.CurrentState,
		To:        to,
		Timestamp: now,
		Metadata:  metadata,
	})
	m.data.CurrentState = to
	m.data.UpdatedAt = now
	if v, ok := metadata["registry"]; ok {
		m.data.Registry = v
	}
	if v, ok := metadata["version"]; ok {
		m.data.Version = v
	}
	if v, ok := metadata["packageName"]; ok {
		m.data.PackageName = v
	}
	if v, ok := metadata["error"]; ok {
		m.data.Error = v
	}
	m.data.CanResume = m.canResume()
	if err := writeJSON(m.path, &m.data); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// CanResume reports whether the workflow stopped mid-run and may be
// resumed. Terminal states and a fresh machine are not resumable.
func (m *Machine) CanResume() bool { return m.canResume() }

func (m *Machine) canResume() bool {
	switch m.data.CurrentState {
	case Initial, Success, Failed:
		return false
	}
	return true
}

// Restore loads state from disk. It returns false with a nil error when
// no state file exists; an unreadable or unparsable file is an error so
// the caller can surface corruption instead of silently starting over.
func (m *Machine) Restore() (bool, error) {
	var data Data
	if err := readJSON(m.path, &data); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if data.CurrentState == "" {
		return false, fmt.Errorf("parse %s: missing currentState", filepath.Base(m.path))
	}
	m.data = data
	return true, nil
}

// Clear removes the state file. Clearing a machine with no file is a
// no-op.
func (m *Machine) Clear() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear state: %w", err)
	}
	m.data = Data{CurrentState: Initial, StartedAt: time.Now().UTC()}
	return nil
}

// Elapsed returns the wall time since the run started.
func (m *Machine) Elapsed() time.Duration {
	return time.Since(m.data.StartedAt)
}

// Path returns the state file location.
func (m *Machine) Path() string { return m.path }
