package ot

import "fmt"

// Transform derives the bottom two sides of the transform diamond: given two
// op lists a and b produced against the same document, it returns a' suitable
// for applying after b, and b' suitable for applying after a, such that both
// application orders yield the same text. When both sides insert at the same
// position, b's insertion lands first; callers rebasing local edits over
// remote ones pass the remote list as b so the accepted edit wins the tie.
func Transform(a, b []Op) (aPrime, bPrime []Op, err error) {
	if err := Validate(a); err != nil {
		return nil, nil, err
	}
	if err := Validate(b); err != nil {
		return nil, nil, err
	}
	av := Normalize(a)
	bv := Normalize(b)
	// An op list may stop short of the end of the document; the remainder is
	// an implicit retain. Make it explicit so both lists line up.
	if d := baseLen(av) - baseLen(bv); d > 0 {
		bv = append(bv, Op{Type: OpRetain, Length: d})
	} else if d < 0 {
		av = append(av, Op{Type: OpRetain, Length: -d})
	}
	var ap, bp []Op
	i, j := 0, 0
	for i < len(av) || j < len(bv) {
		if j < len(bv) && bv[j].Type == OpInsert {
			ap = append(ap, Op{Type: OpRetain, Length: len(bv[j].Value)})
			bp = append(bp, bv[j])
			j++
			continue
		}
		if i < len(av) && av[i].Type == OpInsert {
			ap = append(ap, av[i])
			bp = append(bp, Op{Type: OpRetain, Length: len(av[i].Value)})
			i++
			continue
		}
		if i >= len(av) || j >= len(bv) {
			return nil, nil, fmt.Errorf("%w: edit consumes more of the document than its counterpart", ErrIrreconcilable)
		}
		x, y := av[i], bv[j]
		n := x.Length
		if y.Length < n {
			n = y.Length
		}
		switch {
		case x.Type == OpRetain && y.Type == OpRetain:
			ap = append(ap, Op{Type: OpRetain, Length: n})
			bp = append(bp, Op{Type: OpRetain, Length: n})
		case x.Type == OpDelete && y.Type == OpDelete:
			// Both sides removed the same span; nothing survives to transform.
		case x.Type == OpDelete && y.Type == OpRetain:
			ap = append(ap, Op{Type: OpDelete, Length: n})
		case x.Type == OpRetain && y.Type == OpDelete:
			bp = append(bp, Op{Type: OpDelete, Length: n})
		}
		x.Length -= n
		y.Length -= n
		if x.Length == 0 {
			i++
		} else {
			av[i] = x
		}
		if y.Length == 0 {
			j++
		} else {
			bv[j] = y
		}
	}
	return Normalize(ap), Normalize(bp), nil
}

// Compose merges two sequential op lists into one: applying the result to a
// document equals applying a and then b.
func Compose(a, b []Op) ([]Op, error) {
	if err := Validate(a); err != nil {
		return nil, err
	}
	if err := Validate(b); err != nil {
		return nil, err
	}
	av := Normalize(a)
	bv := Normalize(b)
	if d := targetLen(av) - baseLen(bv); d > 0 {
		bv = append(bv, Op{Type: OpRetain, Length: d})
	} else if d < 0 {
		av = append(av, Op{Type: OpRetain, Length: -d})
	}
	var out []Op
	i, j := 0, 0
	for i < len(av) || j < len(bv) {
		if i < len(av) && av[i].Type == OpDelete {
			out = append(out, av[i])
			i++
			continue
		}
		if j < len(bv) && bv[j].Type == OpInsert {
			out = append(out, bv[j])
			j++
			continue
		}
		if i >= len(av) || j >= len(bv) {
			return nil, fmt.Errorf("edits do not line up while composing")
		}
		x, y := av[i], bv[j]
		xn := x.Length
		if x.Type == OpInsert {
			xn = len(x.Value)
		}
		n := xn
		if y.Length < n {
			n = y.Length
		}
		switch {
		case x.Type == OpRetain && y.Type == OpRetain:
			out = append(out, Op{Type: OpRetain, Length: n})
		case x.Type == OpRetain && y.Type == OpDelete:
			out = append(out, Op{Type: OpDelete, Length: n})
		case x.Type == OpInsert && y.Type == OpRetain:
			out = append(out, Op{Type: OpInsert, Value: x.Value[:n]})
		case x.Type == OpInsert && y.Type == OpDelete:
			// The second edit dropped text the first inserted.
		}
		if x.Type == OpInsert {
			x.Value = x.Value[n:]
			if x.Value == "" {
				i++
			} else {
				av[i] = x
			}
		} else {
			x.Length -= n
			if x.Length == 0 {
				i++
			} else {
				av[i] = x
			}
		}
		y.Length -= n
		if y.Length == 0 {
			j++
		} else {
			bv[j] = y
		}
	}
	return Normalize(out), nil
}

// Rebase recomputes a queue of pending edits so it applies cleanly after a
// sequence of concurrently accepted remote edits. Both sequences must be
// rooted at the same document state; each pending edit is assumed to follow
// the previous pending edit, and each remote edit the previous remote edit.
func Rebase(pending, remote [][]Op, base string) ([][]Op, error) {
	rem := make([][]Op, len(remote))
	copy(rem, remote)
	out := make([][]Op, 0, len(pending))
	for _, p := range pending {
		cur := p
		for k, r := range rem {
			curP, rP, err := Transform(cur, r)
			if err != nil {
				return nil, err
			}
			cur = curP
			rem[k] = rP
		}
		out = append(out, cur)
	}
	return out, nil
}

// Transformer is the reference rebase capability backed by the positional
// transform above. It is deterministic and pure; the base content is carried
// for capability implementations that need it, this one does not.
type Transformer struct{}

func (Transformer) Rebase(pending, remote [][]Op, base string) ([][]Op, error) {
	return Rebase(pending, remote, base)
}
