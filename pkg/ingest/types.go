// Package ingest describes data pipelines as an entry trigger plus an ordered
// chain of typed steps, validates them, and partitions them into stages that
// are connected by durable queues at every collector.
package ingest

// Type is declared type metadata for step inputs, step outputs and trigger
// payloads. Types are compared structurally by name and element.
type Type struct {
	name string
	elem *Type
}

// NewType returns a named element type.
func NewType(name string) Type {
	return Type{name: name}
}

// SequenceOf returns the sequence-of-elem type a Collector declares as input.
func SequenceOf(elem Type) Type {
	e := elem
	return Type{name: "list", elem: &e}
}

func (t Type) Name() string { return t.name }

func (t Type) IsSequence() bool { return t.elem != nil }

// Elem returns the element type of a sequence.
func (t Type) Elem() (Type, bool) {
	if t.elem == nil {
		return Type{}, false
	}
	return *t.elem, true
}

func (t Type) IsZero() bool { return t.name == "" && t.elem == nil }

func (t Type) Equal(o Type) bool {
	if t.name != o.name {
		return false
	}
	if (t.elem == nil) != (o.elem == nil) {
		return false
	}
	if t.elem == nil {
		return true
	}
	return t.elem.Equal(*o.elem)
}

func (t Type) String() string {
	if t.elem != nil {
		return t.name + "[" + t.elem.String() + "]"
	}
	if t.name == "" {
		return "<none>"
	}
	return t.name
}

// MarshalText renders the type the way it prints, for plans and logs.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
