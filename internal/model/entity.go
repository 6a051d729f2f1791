package model

import "fmt"

// EntityKind is the kind of tracked entity a signal concerns.
type EntityKind string

const (
	KindOrganization EntityKind = "organization"
	KindInitiative   EntityKind = "initiative"
	KindPerson       EntityKind = "person"
	KindMeeting      EntityKind = "meeting"
)

// Kinds lists every valid entity kind.
func Kinds() []EntityKind {
	return []EntityKind{KindOrganization, KindInitiative, KindPerson, KindMeeting}
}

// ValidKind reports whether k is a known entity kind.
func ValidKind(k EntityKind) bool {
	switch k {
	case KindOrganization, KindInitiative, KindPerson, KindMeeting:
		return true
	}
	return false
}

// EntityRef identifies a tracked entity.
type EntityRef struct {
	Kind EntityKind `json:"entity_type"`
	ID   string     `json:"entity_id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}

// Zero reports whether the ref is empty.
func (r EntityRef) Zero() bool {
	return r.Kind == "" && r.ID == ""
}
