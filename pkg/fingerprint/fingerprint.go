// Package fingerprint derives stable cache keys from request descriptors.
//
// The canonical form sorts object keys at every depth, preserves array order
// and prints numbers in a single textual form, so the digest depends only on
// the semantic content of the descriptor.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/medlearn/aicache/pkg/models"
)

// ErrMalformedDescriptor is returned when a descriptor's context cannot be
// canonicalized (unsupported types, NaN/Inf, reference cycles).
var ErrMalformedDescriptor = errors.New("malformed descriptor")

// Size is the length in characters of a fingerprint.
const Size = sha256.Size * 2

// Fingerprint computes the hex SHA-256 of the descriptor's canonical form.
func Fingerprint(d models.Descriptor) (string, error) {
	canonical, err := Canonical(d)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Canonical returns the deterministic serialization of
// {"context": ..., "mode": ..., "modelHint": ...}.
func Canonical(d models.Descriptor) ([]byte, error) {
	if !utf8.ValidString(d.Mode) || !utf8.ValidString(d.ModelHint) {
		return nil, fmt.Errorf("%w: invalid UTF-8 in mode or model hint", ErrMalformedDescriptor)
	}
	var ctx any
	if d.Context != nil {
		ctx = d.Context
	}
	ctxJSON, err := CanonicalJSON(ctx)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	b.WriteString(`{"context":`)
	b.Write(ctxJSON)
	b.WriteString(`,"mode":`)
	writeString(&b, d.Mode)
	b.WriteString(`,"modelHint":`)
	writeString(&b, d.ModelHint)
	b.WriteByte('}')
	return b.Bytes(), nil
}

// CanonicalJSON serializes v with sorted object keys and normalized numbers.
// A nil value encodes as null; an empty map encodes as {}.
func CanonicalJSON(v any) ([]byte, error) {
	tree, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	if err := encode(&b, tree); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// normalize round-trips v through encoding/json so that structs, typed maps
// and typed slices collapse to map[string]any, []any and json.Number.
func normalize(v any) (any, error) {
	// encoding/json replaces invalid UTF-8 with U+FFFD, which would let
	// distinct contexts share a key.
	if err := checkUTF8(reflect.ValueOf(v), 0); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	return out, nil
}

// maxDepth bounds the UTF-8 walk; encoding/json reports cycles past the same depth.
const maxDepth = 1000

func checkUTF8(v reflect.Value, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nested deeper than %d", ErrMalformedDescriptor, maxDepth)
	}
	switch v.Kind() {
	case reflect.String:
		if !utf8.ValidString(v.String()) {
			return fmt.Errorf("%w: invalid UTF-8 in %q", ErrMalformedDescriptor, v.String())
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := checkUTF8(iter.Key(), depth+1); err != nil {
				return err
			}
			if err := checkUTF8(iter.Value(), depth+1); err != nil {
				return err
			}
		}
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			// []byte encodes as base64.
			return nil
		}
		fallthrough
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := checkUTF8(v.Index(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Pointer, reflect.Interface:
		if !v.IsNil() {
			return checkUTF8(v.Elem(), depth+1)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := checkUTF8(v.Field(i), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func encode(b *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeString(b, val)
	case json.Number:
		s, err := normalizeNumber(val)
		if err != nil {
			return err
		}
		b.WriteString(s)
	case []any:
		b.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encode(b, elem); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeString(b, k)
			b.WriteByte(':')
			if err := encode(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("%w: unexpected type %T", ErrMalformedDescriptor, v)
	}
	return nil
}

// normalizeNumber prints integral values without a fraction or exponent and
// everything else in shortest round-trip form, so 1, 1.0 and 1e0 agree.
func normalizeNumber(n json.Number) (string, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("%w: number %q: %v", ErrMalformedDescriptor, s, err)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

func writeString(b *bytes.Buffer, s string) {
	enc := json.NewEncoder(b)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(s)
	// Encoder appends a newline.
	b.Truncate(b.Len() - 1)
}
