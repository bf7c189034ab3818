// Package predicate implements the boolean filter language used by watches:
// type, property existence, tag and group membership, composed with and, or
// and not.
package predicate

import (
	"errors"
	"fmt"
	"strings"
)

// Op is the variant of a Predicate.
type Op uint8

const (
	OpTrue Op = iota
	OpType
	OpExists
	OpHasTag
	OpMemberOf
	OpAnd
	OpOr
	OpNot
)

var opNames = [...]string{
	OpTrue:     "true",
	OpType:     "type",
	OpExists:   "exists",
	OpHasTag:   "has",
	OpMemberOf: "member_of",
	OpAnd:      "and",
	OpOr:       "or",
	OpNot:      "not",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// ErrInvalid is returned by Validate for malformed predicate trees.
var ErrInvalid = errors.New("invalid predicate")

// Predicate is a closed tree of filter terms. The zero value matches every
// entry.
type Predicate struct {
	op   Op
	name string
	sub  []Predicate
}

// True matches everything.
func True() Predicate { return Predicate{} }

// False matches nothing.
func False() Predicate { return Not(True()) }

// Type matches nodes whose type equals name.
func Type(name string) Predicate { return Predicate{op: OpType, name: name} }

// Exists matches property entries for name while the property is set.
func Exists(name string) Predicate { return Predicate{op: OpExists, name: name} }

// HasTag matches tag entries for name while the node carries the tag.
func HasTag(name string) Predicate { return Predicate{op: OpHasTag, name: name} }

// MemberOf matches group entries for name while the node is in the group.
func MemberOf(name string) Predicate { return Predicate{op: OpMemberOf, name: name} }

// And matches when every p matches. And() is True.
func And(ps ...Predicate) Predicate {
	if len(ps) == 1 {
		return ps[0]
	}
	return Predicate{op: OpAnd, sub: ps}
}

// Or matches when any p matches. Or() is False.
func Or(ps ...Predicate) Predicate {
	if len(ps) == 1 {
		return ps[0]
	}
	return Predicate{op: OpOr, sub: ps}
}

// Not negates p.
func Not(p Predicate) Predicate { return Predicate{op: OpNot, sub: []Predicate{p}} }

func (p Predicate) Op() Op           { return p.op }
func (p Predicate) Name() string     { return p.name }
func (p Predicate) Sub() []Predicate { return p.sub }
func (p Predicate) IsTrue() bool     { return p.op == OpTrue }
func (p Predicate) Equal(o Predicate) bool {
	if p.op != o.op || p.name != o.name || len(p.sub) != len(o.sub) {
		return false
	}
	for i := range p.sub {
		if !p.sub[i].Equal(o.sub[i]) {
			return false
		}
	}
	return true
}

// Validate checks that leaves carry a name and composites the right number of
// operands.
func (p Predicate) Validate() error {
	switch p.op {
	case OpTrue:
		return nil
	case OpType, OpExists, OpHasTag, OpMemberOf:
		if p.name == "" {
			return fmt.Errorf("%w: %s needs a name", ErrInvalid, p.op)
		}
		return nil
	case OpNot:
		if len(p.sub) != 1 {
			return fmt.Errorf("%w: not takes one operand, got %d", ErrInvalid, len(p.sub))
		}
	case OpAnd, OpOr:
	default:
		return fmt.Errorf("%w: unknown op %d", ErrInvalid, p.op)
	}
	for _, s := range p.sub {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// String renders p in the syntax accepted by Parse.
func (p Predicate) String() string {
	var b strings.Builder
	p.write(&b)
	return b.String()
}

func (p Predicate) write(b *strings.Builder) {
	switch p.op {
	case OpTrue:
		b.WriteString("true")
	case OpType, OpExists, OpHasTag, OpMemberOf:
		b.WriteString(p.op.String())
		b.WriteByte('(')
		writeQuoted(b, p.name)
		b.WriteByte(')')
	case OpNot:
		b.WriteByte('!')
		p.sub[0].write(b)
	case OpAnd, OpOr:
		if len(p.sub) == 0 {
			if p.op == OpAnd {
				b.WriteString("true")
			} else {
				b.WriteString("false")
			}
			return
		}
		sep := " && "
		if p.op == OpOr {
			sep = " || "
		}
		b.WriteByte('(')
		for i, s := range p.sub {
			if i > 0 {
				b.WriteString(sep)
			}
			s.write(b)
		}
		b.WriteByte(')')
	}
}

// writeQuoted writes s as an HCL string literal, escaping template
// sequences so the literal parses back to s.
func writeQuoted(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i, r := range s {
		switch {
		case r == '"':
			b.WriteString(`\"`)
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(b, `\u%04x`, r)
		case (r == '$' || r == '%') && i+1 < len(s) && s[i+1] == '{':
			b.WriteRune(r)
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
}
