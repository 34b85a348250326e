// Package patch decodes, inspects and applies the JSON patches carried by
// change requests. A patch is either an RFC 6902 operation list or a full
// replacement document, which is diffed against the unit's current document.
package patch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

var ErrEmptyPatch = errors.New("patch is empty")

var emptyDocument = json.RawMessage(`{}`)

// Decode converts the request's operation list into an applicable patch.
func Decode(p contracts.Patch) (jsonpatch.Patch, error) {
	if len(p.Ops) == 0 {
		return nil, ErrEmptyPatch
	}
	raw, err := json.Marshal(p.Ops)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	decoded, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	return decoded, nil
}

// ChangedPaths returns the sorted, de-duplicated JSON pointers a patch touches.
func ChangedPaths(p contracts.Patch, current json.RawMessage) ([]string, error) {
	set := map[string]struct{}{}
	switch {
	case p.IsReplacement():
		if !json.Valid(p.Document) {
			return nil, fmt.Errorf("replacement document is not valid JSON")
		}
		diff, err := jsondiff.CompareJSON(orEmpty(current), p.Document)
		if err != nil {
			return nil, fmt.Errorf("diff replacement document: %w", err)
		}
		for _, op := range diff {
			if op.Type == jsondiff.OperationTest {
				continue
			}
			set[string(op.Path)] = struct{}{}
			if op.From != "" {
				set[string(op.From)] = struct{}{}
			}
		}
	case len(p.Ops) > 0:
		if _, err := Decode(p); err != nil {
			return nil, err
		}
		for _, op := range p.Ops {
			if op.Op == "test" {
				continue
			}
			set[op.Path] = struct{}{}
			if op.From != "" {
				set[op.From] = struct{}{}
			}
		}
	default:
		return nil, ErrEmptyPatch
	}

	paths := make([]string, 0, len(set))
	for path := range set {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

// Apply returns the document that results from applying p to current.
func Apply(current json.RawMessage, p contracts.Patch) (json.RawMessage, error) {
	if p.IsReplacement() {
		if !json.Valid(p.Document) {
			return nil, fmt.Errorf("replacement document is not valid JSON")
		}
		return append(json.RawMessage(nil), p.Document...), nil
	}
	decoded, err := Decode(p)
	if err != nil {
		return nil, err
	}
	out, err := decoded.Apply(orEmpty(current))
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	return out, nil
}

// Value is a decoded value written by a patch, located at Path.
type Value struct {
	Op    string
	Path  string
	Value any
}

// Values decodes every value a patch writes. Removals carry a nil value.
func Values(p contracts.Patch) ([]Value, error) {
	if p.IsReplacement() {
		v, err := decode(p.Document)
		if err != nil {
			return nil, err
		}
		return []Value{{Op: "replace", Path: "", Value: v}}, nil
	}
	out := make([]Value, 0, len(p.Ops))
	for _, op := range p.Ops {
		val := Value{Op: op.Op, Path: op.Path}
		if len(op.Value) > 0 {
			v, err := decode(op.Value)
			if err != nil {
				return nil, fmt.Errorf("value at %s: %w", op.Path, err)
			}
			val.Value = v
		}
		out = append(out, val)
	}
	return out, nil
}

// Segments splits a JSON pointer into unescaped reference tokens.
func Segments(pointer string) []string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return nil
	}
	parts := strings.Split(pointer, "/")
	for i, part := range parts {
		part = strings.ReplaceAll(part, "~1", "/")
		parts[i] = strings.ReplaceAll(part, "~0", "~")
	}
	return parts
}

func decode(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func orEmpty(doc json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(doc)) == 0 {
		return emptyDocument
	}
	return doc
}
