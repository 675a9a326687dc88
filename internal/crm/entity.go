// Package crm defines the data-model handles the host exposes to plugins.
//
// Records are schemaless maps so that the same repository surface can serve
// every entity. Each record carries an "id" and RFC 3339 "created_at" and
// "updated_at" timestamps maintained by the store.
package crm

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Entity names a record collection.
type Entity string

const (
	EntityUser         Entity = "user"
	EntityLead         Entity = "lead"
	EntityActivity     Entity = "activity"
	EntityTask         Entity = "task"
	EntityMessage      Entity = "message"
	EntityPlan         Entity = "plan"
	EntityPayment      Entity = "payment"
	EntityNotification Entity = "notification"
)

// Entities returns every entity exposed to plugins, in a stable order.
func Entities() []Entity {
	return []Entity{
		EntityUser,
		EntityLead,
		EntityActivity,
		EntityTask,
		EntityMessage,
		EntityPlan,
		EntityPayment,
		EntityNotification,
	}
}

// Valid reports whether e is one of the known entities.
func (e Entity) Valid() bool {
	for _, known := range Entities() {
		if e == known {
			return true
		}
	}
	return false
}

// Reserved record fields.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrUnknownEntity = errors.New("unknown entity")
)

// Record is a single stored document.
type Record map[string]any

// ID returns the record identifier or "".
func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Filter selects records whose fields equal every given value.
type Filter map[string]any

// Match reports whether r satisfies f.
func (f Filter) Match(r Record) bool {
	for k, want := range f {
		got, ok := r[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string, bool, nil:
		return a == b
	default:
		return fmt.Sprint(av) == fmt.Sprint(b)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n)
	default:
		return 0, false
	}
}

// Repository is the accessor surface for one entity.
type Repository interface {
	Get(ctx context.Context, id string) (Record, error)
	// List returns matching records in creation order. A limit <= 0 means no limit.
	List(ctx context.Context, filter Filter, limit int) ([]Record, error)
	// Create stores fields as a new record. A caller-supplied "id" is kept.
	Create(ctx context.Context, fields Record) (Record, error)
	// Update merges fields into an existing record. The id and created_at
	// fields cannot be changed.
	Update(ctx context.Context, id string, fields Record) (Record, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context, filter Filter) (int, error)
}

// Store hands out repositories per entity.
type Store interface {
	Repository(e Entity) (Repository, error)
	Ping(ctx context.Context) error
	Close() error
}
