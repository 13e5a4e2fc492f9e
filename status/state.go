// Package status folds session lifecycle, work-done progress and the
// database state notification into one displayable status value.
package status

import "fmt"

// State is the lifecycle of a session as shown to the user.
type State int

const (
	Idle State = iota
	Connecting
	Ready
	Progress
	NoConnection
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Ready:
		return "Ready"
	case Progress:
		return "Progress"
	case NoConnection:
		return "NoConnection"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DatabaseState is the state of the project database reported by the server
// in understand/changedDatabaseState.
type DatabaseState string

const (
	DatabaseUnknown      DatabaseState = ""
	DatabaseFinding      DatabaseState = "finding"
	DatabaseNoProject    DatabaseState = "noProject"
	DatabaseUnableToOpen DatabaseState = "unableToOpen"
	DatabaseEmpty        DatabaseState = "empty"
	DatabaseResolved     DatabaseState = "resolved"
	DatabaseResolving    DatabaseState = "resolving"
	DatabaseUnresolved   DatabaseState = "unresolved"
	DatabaseWrongVersion DatabaseState = "wrongVersion"
)

var databaseLabels = map[DatabaseState]string{
	DatabaseUnknown:      "",
	DatabaseFinding:      "finding project",
	DatabaseNoProject:    "no project",
	DatabaseUnableToOpen: "unable to open project",
	DatabaseEmpty:        "empty project",
	DatabaseResolved:     "resolved",
	DatabaseResolving:    "resolving",
	DatabaseUnresolved:   "unresolved",
	DatabaseWrongVersion: "wrong database version",
}

// ParseDatabaseState validates a wire value.
func ParseDatabaseState(s string) (DatabaseState, error) {
	d := DatabaseState(s)
	if _, ok := databaseLabels[d]; !ok || d == DatabaseUnknown {
		return DatabaseUnknown, fmt.Errorf("unknown database state %q", s)
	}
	return d, nil
}

// Label is the human readable form.
func (d DatabaseState) Label() string { return databaseLabels[d] }

// Problem reports whether the database needs the user to pick or fix a project.
func (d DatabaseState) Problem() bool {
	switch d {
	case DatabaseNoProject, DatabaseUnableToOpen, DatabaseWrongVersion:
		return true
	}
	return false
}

// Database is the last {path, state} pair reported by the server.
type Database struct {
	Path  string
	State DatabaseState
}
