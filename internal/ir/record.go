package ir

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// keyPattern constrains string record keys.
var keyPattern = regexp.MustCompile(`^[a-z_0-9][a-zA-Z_0-9]*$`)

// ValidKey reports whether v may be used as a record key: a string
// matching keyPattern or a non-negative integer.
func ValidKey(v IRValue) bool {
	switch k := v.(type) {
	case IRString:
		return keyPattern.MatchString(string(k))
	case IRInt:
		return k >= 0
	}
	return false
}

// KeyString renders a record key for use as a map or table key.
func KeyString(v IRValue) string {
	switch k := v.(type) {
	case IRString:
		return string(k)
	case IRInt:
		return strconv.FormatInt(int64(k), 10)
	}
	return ""
}

// GenerateKey returns "<unix millis>X<random digits>". Collisions are
// improbable, not impossible.
func GenerateKey() IRString {
	return IRString(strconv.FormatInt(time.Now().UnixMilli(), 10) + "X" + strconv.FormatUint(rand.Uint64(), 10))
}

// Clone deep-copies data variants. Extensions are shared.
func Clone(v IRValue) IRValue {
	switch val := v.(type) {
	case IRArray:
		if val == nil {
			return IRArray(nil)
		}
		out := make(IRArray, len(val))
		for i, elem := range val {
			out[i] = Clone(elem)
		}
		return out
	case IRObject:
		return CloneObject(val)
	default:
		return v
	}
}

// CloneObject is Clone for objects; nil stays nil.
func CloneObject(obj IRObject) IRObject {
	if obj == nil {
		return nil
	}
	out := make(IRObject, len(obj))
	for k, elem := range obj {
		out[k] = Clone(elem)
	}
	return out
}

// Equal is deep equality for data and identity for extensions.
func Equal(a, b IRValue) bool {
	switch av := a.(type) {
	case IRArray:
		bv, ok := b.(IRArray)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case IRObject:
		bv, ok := b.(IRObject)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	case nil:
		return b == nil
	default:
		switch b.(type) {
		case IRArray, IRObject, nil:
			return false
		}
		return a == b
	}
}

// IsSubset reports whether every field of query is present in rec with a
// deeply equal value. An empty query matches every record.
func IsSubset(query, rec IRObject) bool {
	for k, want := range query {
		got, ok := rec[k]
		if !ok || !Equal(want, got) {
			return false
		}
	}
	return true
}

// Integrate writes every field of prio into base, treating dotted field
// names as paths into nested objects, and returns base. A nil base yields
// prio itself. Values from prio are stored as given, not cloned.
func Integrate(prio, base IRObject) IRObject {
	if prio == nil {
		return base
	}
	if base == nil {
		return prio
	}
	for _, k := range prio.SortedKeys() {
		SetPath(base, k, prio[k])
	}
	return base
}

// SetPath assigns v at a dotted path, creating intermediate objects and
// replacing intermediate non-objects.
func SetPath(obj IRObject, path string, v IRValue) {
	parts := strings.Split(path, ".")
	cur := obj
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(IRObject)
		if !ok {
			next = IRObject{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// GetPath reads the value at a dotted path.
func GetPath(obj IRObject, path string) (IRValue, bool) {
	parts := strings.Split(path, ".")
	cur := obj
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		if cur, ok = v.(IRObject); !ok {
			return nil, false
		}
	}
	return nil, false
}
