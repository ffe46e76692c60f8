package patch

import (
	"fmt"
	"sort"

	"github.com/telnet2/patchsync/pkg/types"
)

type kind int

const (
	kindNull kind = iota
	kindObject
	kindArray
	kindScalar
)

func (k kind) String() string {
	switch k {
	case kindNull:
		return "null"
	case kindObject:
		return "object"
	case kindArray:
		return "array"
	}
	return "scalar"
}

func kindOf(v any) kind {
	switch v.(type) {
	case nil:
		return kindNull
	case map[string]any:
		return kindObject
	case []any:
		return kindArray
	}
	return kindScalar
}

// Diff returns the operations that turn old into new. Both values are
// normalized first. The result is deterministic for a given pair of inputs.
func Diff(old, new any) (types.Patch, error) {
	o, err := Normalize(old)
	if err != nil {
		return nil, err
	}
	n, err := Normalize(new)
	if err != nil {
		return nil, err
	}
	return DiffNormalized(o, n)
}

// DiffNormalized is Diff for values already passed through Normalize.
//
// A null root may become anything. Otherwise the root kind must be kept:
// an object stays an object, an array stays an array and a scalar stays a
// scalar.
func DiffNormalized(old, new any) (types.Patch, error) {
	ko, kn := kindOf(old), kindOf(new)
	if ko != kindNull && ko != kn {
		return nil, fmt.Errorf("%w: root changed from %s to %s", ErrMalformedSnapshot, ko, kn)
	}

	d := &differ{}
	d.diff("", old, new)
	return d.ops, nil
}

type differ struct {
	ops types.Patch
}

func (d *differ) diff(path string, a, b any) {
	switch av := a.(type) {
	case map[string]any:
		if bv, ok := b.(map[string]any); ok {
			d.object(path, av, bv)
			return
		}
	case []any:
		if bv, ok := b.([]any); ok {
			d.array(path, av, bv)
			return
		}
	default:
		// a is a scalar or nil; values of different dynamic types compare unequal.
		if a == b {
			return
		}
	}
	d.ops = append(d.ops, types.Operation{Op: types.OpReplace, Path: path, Value: b})
}

func (d *differ) object(path string, a, b map[string]any) {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		av, inA := a[k]
		bv, inB := b[k]
		p := join(path, k)
		switch {
		case inA && !inB:
			d.ops = append(d.ops, types.Operation{Op: types.OpRemove, Path: p})
		case !inA && inB:
			d.ops = append(d.ops, types.Operation{Op: types.OpAdd, Path: p, Value: bv})
		default:
			d.diff(p, av, bv)
		}
	}
}

// array trims the common prefix and suffix, diffs the overlapping middle
// element by element, then inserts or removes the remainder.
func (d *differ) array(path string, a, b []any) {
	la, lb := len(a), len(b)

	pre := 0
	for pre < la && pre < lb && Equal(a[pre], b[pre]) {
		pre++
	}
	suf := 0
	for suf < la-pre && suf < lb-pre && Equal(a[la-1-suf], b[lb-1-suf]) {
		suf++
	}

	am, bm := a[pre:la-suf], b[pre:lb-suf]
	m := min(len(am), len(bm))

	for i := 0; i < m; i++ {
		d.diff(index(path, pre+i), am[i], bm[i])
	}
	for i := m; i < len(bm); i++ {
		d.ops = append(d.ops, types.Operation{Op: types.OpAdd, Path: index(path, pre+i), Value: bm[i]})
	}
	for i := m; i < len(am); i++ {
		d.ops = append(d.ops, types.Operation{Op: types.OpRemove, Path: index(path, pre+m)})
	}
}
