// Package patch computes and applies RFC 6902 JSON Patches between JSON-like values.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/telnet2/patchsync/pkg/types"
)

var (
	// ErrMalformedSnapshot is returned when a value cannot be diffed against
	// the previous one (not representable as JSON, or the root kind changed).
	ErrMalformedSnapshot = errors.New("malformed snapshot")

	// ErrApply is returned when a patch does not apply to a document.
	ErrApply = errors.New("patch does not apply")
)

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")

// EscapePointer escapes a single JSON Pointer reference token.
func EscapePointer(token string) string {
	return pointerEscaper.Replace(token)
}

func join(path, token string) string {
	return path + "/" + EscapePointer(token)
}

func index(path string, i int) string {
	return path + "/" + strconv.Itoa(i)
}

// Normalize converts v into the generic JSON tree produced by encoding/json:
// map[string]any, []any, string, float64, bool or nil.
func Normalize(v any) (any, error) {
	var raw []byte
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
		}
		raw = b
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	return out, nil
}

// Clone deep-copies a normalized value.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether two normalized values are structurally equal.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Apply applies p to a normalized document and returns the new document.
// Operations on the document root are handled here, everything else is
// delegated to evanphx/json-patch.
func Apply(doc any, p types.Patch) (any, error) {
	cur := doc
	var run types.Patch

	flush := func() error {
		if len(run) == 0 {
			return nil
		}
		next, err := applyRun(cur, run)
		if err != nil {
			return err
		}
		cur = next
		run = run[:0]
		return nil
	}

	for _, op := range p {
		if op.Path != "" {
			run = append(run, op)
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}
		switch op.Op {
		case types.OpAdd, types.OpReplace:
			v, err := Normalize(op.Value)
			if err != nil {
				return nil, err
			}
			cur = v
		case types.OpRemove:
			cur = nil
		case types.OpTest:
			v, err := Normalize(op.Value)
			if err != nil {
				return nil, err
			}
			if !Equal(cur, v) {
				return nil, fmt.Errorf("%w: test failed at root", ErrApply)
			}
		default:
			return nil, fmt.Errorf("%w: %s on document root", ErrApply, op.Op)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return cur, nil
}

func applyRun(doc any, run types.Patch) (any, error) {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrApply, err)
	}
	patchBytes, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrApply, err)
	}
	decoded, err := jsonpatch.DecodePatch(patchBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrApply, err)
	}
	out, err := decoded.Apply(docBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrApply, err)
	}
	var v any
	if err := json.Unmarshal(out, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrApply, err)
	}
	return v, nil
}
