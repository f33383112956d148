package routestate

import "strings"

type State struct {
	Name string
}

func (s State) Code() string {
	return s.Name
}

func (s State) Label() string {
	parts := strings.Split(s.Name, "_")
	for i := range parts {
		if len(parts[i]) > 0 {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, " ")
}

type Enum struct {
	New          State
	Acknowledged State
	InProgress   State
	Ready        State
	Bumped       State
	Recalled     State
	Voided       State
}

var States = Enum{
	New:          State{Name: "new"},
	Acknowledged: State{Name: "acknowledged"},
	InProgress:   State{Name: "in_progress"},
	Ready:        State{Name: "ready"},
	Bumped:       State{Name: "bumped"},
	Recalled:     State{Name: "recalled"},
	Voided:       State{Name: "voided"},
}

var All = []State{
	States.New,
	States.Acknowledged,
	States.InProgress,
	States.Ready,
	States.Bumped,
	States.Recalled,
	States.Voided,
}

// ByName returns the state for a given name, or nil if not found
func ByName(name string) *State {
	for _, s := range All {
		if s.Name == name {
			return &s
		}
	}
	return nil
}

// successors lists the legal next states for each state. Voiding is the
// administrative escape hatch from any non-terminal state; recall of a
// bumped record is handled by creating a fresh record, never by an edge
// out of bumped.
var successors = map[string][]string{
	States.New.Name:          {States.Acknowledged.Name, States.Voided.Name},
	States.Acknowledged.Name: {States.InProgress.Name, States.Voided.Name},
	States.InProgress.Name:   {States.Ready.Name, States.Voided.Name},
	States.Ready.Name:        {States.Bumped.Name, States.Recalled.Name, States.Voided.Name},
	States.Bumped.Name:       {},
	States.Recalled.Name:     {},
	States.Voided.Name:       {},
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to string) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a record in this state is finished for good.
func IsTerminal(code string) bool {
	switch code {
	case States.Bumped.Name, States.Recalled.Name, States.Voided.Name:
		return true
	}
	return false
}

// IsActive reports whether a record in this state belongs in a station
// projection.
func IsActive(code string) bool {
	return ByName(code) != nil && !IsTerminal(code)
}

// ActiveCodes returns the codes of all non-terminal states.
func ActiveCodes() []string {
	codes := make([]string, 0, len(All))
	for _, s := range All {
		if !IsTerminal(s.Name) {
			codes = append(codes, s.Name)
		}
	}
	return codes
}
