package ot

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIrreconcilable is returned when concurrent edits no longer share the
// context needed to merge them, e.g. an edit targets a span that was deleted.
var ErrIrreconcilable = errors.New("concurrent edits cannot be reconciled")

// OpType identifies the kind of a text operation.
type OpType string

const (
	OpRetain OpType = "retain"
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
)

// Op is one component of an edit: keep a span, insert text, or remove a span.
// An edit is an ordered list of ops walked left to right over the document.
type Op struct {
	Type   OpType `json:"type"`
	Value  string `json:"value,omitempty"`
	Length int    `json:"length,omitempty"`
}

func (o Op) valid() error {
	switch o.Type {
	case OpRetain, OpDelete:
		if o.Length < 0 {
			return fmt.Errorf("%s with negative length", o.Type)
		}
	case OpInsert:
	default:
		return fmt.Errorf("unknown op type %q", o.Type)
	}
	return nil
}

// Validate checks that every op in the list is well formed.
func Validate(ops []Op) error {
	for _, op := range ops {
		if err := op.valid(); err != nil {
			return err
		}
	}
	return nil
}

// baseLen is the number of bytes an op list consumes from its input document.
func baseLen(ops []Op) int {
	n := 0
	for _, op := range ops {
		if op.Type == OpRetain || op.Type == OpDelete {
			n += op.Length
		}
	}
	return n
}

// targetLen is the number of bytes an op list produces, ignoring any implicit
// trailing retain.
func targetLen(ops []Op) int {
	n := 0
	for _, op := range ops {
		switch op.Type {
		case OpRetain:
			n += op.Length
		case OpInsert:
			n += len(op.Value)
		}
	}
	return n
}

// Normalize merges adjacent ops of the same type and drops empty ones.
func Normalize(ops []Op) []Op {
	out := make([]Op, 0, len(ops))
	for _, op := range ops {
		switch op.Type {
		case OpInsert:
			if op.Value == "" {
				continue
			}
		default:
			if op.Length == 0 {
				continue
			}
		}
		if len(out) > 0 && out[len(out)-1].Type == op.Type {
			last := &out[len(out)-1]
			if op.Type == OpInsert {
				last.Value += op.Value
			} else {
				last.Length += op.Length
			}
			continue
		}
		out = append(out, op)
	}
	return out
}

// Apply runs an op list over content and returns the resulting text. Any
// document left unconsumed by the ops is treated as a trailing retain. Ops
// that reach past the end of the content are an error.
func Apply(content string, ops []Op) (string, error) {
	var b strings.Builder
	pos := 0
	for _, op := range ops {
		if err := op.valid(); err != nil {
			return "", err
		}
		switch op.Type {
		case OpRetain:
			if pos+op.Length > len(content) {
				return "", fmt.Errorf("retain of %d past end of content (len %d)", op.Length, len(content))
			}
			b.WriteString(content[pos : pos+op.Length])
			pos += op.Length
		case OpInsert:
			b.WriteString(op.Value)
		case OpDelete:
			if pos+op.Length > len(content) {
				return "", fmt.Errorf("delete of %d past end of content (len %d)", op.Length, len(content))
			}
			pos += op.Length
		}
	}
	b.WriteString(content[pos:])
	return b.String(), nil
}

// Diff computes an op list transforming oldText into newText by walking both
// strings and emitting retains for matching runs. The result is not minimal
// but always satisfies Apply(oldText, Diff(oldText, newText)) == newText.
func Diff(oldText, newText string) []Op {
	var ops []Op
	i, j := 0, 0
	for i < len(oldText) || j < len(newText) {
		if i < len(oldText) && j < len(newText) && oldText[i] == newText[j] {
			n := 0
			for i+n < len(oldText) && j+n < len(newText) && oldText[i+n] == newText[j+n] {
				n++
			}
			ops = append(ops, Op{Type: OpRetain, Length: n})
			i += n
			j += n
			continue
		}
		if j < len(newText) {
			start := j
			for j < len(newText) && (i >= len(oldText) || oldText[i] != newText[j]) {
				j++
			}
			ops = append(ops, Op{Type: OpInsert, Value: newText[start:j]})
			continue
		}
		ops = append(ops, Op{Type: OpDelete, Length: len(oldText) - i})
		i = len(oldText)
	}
	return Normalize(ops)
}
