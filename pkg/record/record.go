// Package record defines the record identity and record value types that the
// queue moves between callers and the remote record database.
package record

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultZone is used when an ID is created without an explicit zone.
const DefaultZone = "_default"

// ID identifies a record in the remote database.
// Two IDs are equal when both zone and name match, so ID is usable as a map key.
type ID struct {
	// Zone groups records (e.g., "inventory"). Empty means DefaultZone.
	Zone string `json:"zone"`

	// Name is the record name, unique within its zone.
	Name string `json:"name"`
}

// NewID returns an ID with a random UUID name in the given zone.
func NewID(zone string) ID {
	return ID{Zone: zone, Name: uuid.NewString()}
}

// Normalize returns the ID with the zone defaulted.
func (id ID) Normalize() ID {
	if id.Zone == "" {
		id.Zone = DefaultZone
	}
	return id
}

// String renders the ID as "zone/name".
func (id ID) String() string {
	id = id.Normalize()
	return id.Zone + "/" + id.Name
}

// ParseID parses the "zone/name" form produced by String.
// A value without a slash is treated as a name in DefaultZone.
func ParseID(s string) (ID, error) {
	if s == "" {
		return ID{}, fmt.Errorf("record id cannot be empty")
	}
	zone, name, found := strings.Cut(s, "/")
	if !found {
		return ID{Zone: DefaultZone, Name: zone}, nil
	}
	if name == "" {
		return ID{}, fmt.Errorf("record id %q has no name", s)
	}
	return ID{Zone: zone, Name: name}.Normalize(), nil
}

// Record is a typed bag of fields stored under an ID.
type Record struct {
	// ID is the record identity.
	ID ID `json:"id"`

	// Type is the record type (e.g., "Item", "Note").
	Type string `json:"type"`

	// Fields holds the record values.
	Fields map[string]any `json:"fields,omitempty"`

	// ChangeTag is assigned by the database on every successful save.
	ChangeTag string `json:"change_tag,omitempty"`

	// ModifiedAt is set by the database on every successful save.
	ModifiedAt time.Time `json:"modified_at"`
}

// New creates an empty record of the given type.
func New(recordType string, id ID) *Record {
	return &Record{
		ID:     id.Normalize(),
		Type:   recordType,
		Fields: make(map[string]any),
	}
}

// Key returns the identity the queue deduplicates saves by.
func (r *Record) Key() ID {
	return r.ID.Normalize()
}

// Clone returns a shallow copy with its own Fields map.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Fields != nil {
		c.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// NewChangeTag returns a fresh change tag.
func NewChangeTag() string {
	return uuid.NewString()
}
