// internal/model/selector.go
package model

// Selector picks the initial recipient set of a job. It is either a
// RoleSelector or a GroupSelector.
type Selector interface {
	isSelector()
	Empty() bool
	UnloggedOnly() bool
}

// RoleSelector selects users holding any of Roles.
type RoleSelector struct {
	Roles         []string
	NeverLoggedIn bool
}

// GroupSelector selects members of any of GroupIDs.
type GroupSelector struct {
	GroupIDs      []int64
	NeverLoggedIn bool
}

func (RoleSelector) isSelector()  {}
func (GroupSelector) isSelector() {}

func (s RoleSelector) Empty() bool        { return len(s.Roles) == 0 }
func (s RoleSelector) UnloggedOnly() bool { return s.NeverLoggedIn }

func (s GroupSelector) Empty() bool        { return len(s.GroupIDs) == 0 }
func (s GroupSelector) UnloggedOnly() bool { return s.NeverLoggedIn }
