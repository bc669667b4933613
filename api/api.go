// Package api includes constants and types used by both end-users and internal implementations.
package api

import (
	"fmt"
	"strings"
)

// Kind classifies a parameter or result of a compiled method. The set is closed: code generators switch over every
// Kind exhaustively and panic on anything else.
//
// Sub-word kinds (KindBoolean, KindByte, KindChar, KindShort, KindInt) occupy a full 64-bit slot or register once
// loaded. Signed kinds are sign-extended and unsigned kinds are zero-extended on load, and stored narrow.
type Kind byte

const (
	// KindVoid is only valid as a result.
	KindVoid Kind = iota
	// KindBoolean is an unsigned 8-bit value, zero or one.
	KindBoolean
	// KindByte is a signed 8-bit integer.
	KindByte
	// KindChar is an unsigned 16-bit integer.
	KindChar
	// KindShort is a signed 16-bit integer.
	KindShort
	// KindInt is a signed 32-bit integer.
	KindInt
	// KindLong is a signed 64-bit integer.
	KindLong
	// KindFloat is an IEEE 754 binary32 value.
	KindFloat
	// KindDouble is an IEEE 754 binary64 value.
	KindDouble
	// KindWord is an unsigned machine word.
	KindWord
	// KindReference is a managed reference the collector must be able to find.
	KindReference
)

// KindName returns the short name used in signatures, e.g. "int" or "ref".
func KindName(k Kind) string {
	switch k {
	case KindVoid:
		return "void"
	case KindBoolean:
		return "boolean"
	case KindByte:
		return "byte"
	case KindChar:
		return "char"
	case KindShort:
		return "short"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindWord:
		return "word"
	case KindReference:
		return "ref"
	}
	return fmt.Sprintf("<unknown=%#x>", byte(k))
}

// String implements fmt.Stringer.
func (k Kind) String() string { return KindName(k) }

// Width returns the number of bytes the kind occupies when stored narrow.
func (k Kind) Width() int {
	switch k {
	case KindVoid:
		return 0
	case KindBoolean, KindByte:
		return 1
	case KindChar, KindShort:
		return 2
	case KindInt, KindFloat:
		return 4
	case KindLong, KindDouble, KindWord, KindReference:
		return 8
	}
	panic(fmt.Sprintf("BUG: invalid kind %#x", byte(k)))
}

// IsFloat returns true if the kind is passed in floating point registers.
func (k Kind) IsFloat() bool { return k == KindFloat || k == KindDouble }

// IsSigned returns true if sub-word values of this kind are sign-extended on load.
func (k Kind) IsSigned() bool {
	switch k {
	case KindByte, KindShort, KindInt, KindLong:
		return true
	}
	return false
}

// IsReference returns true if values of this kind must be reported to the collector.
func (k Kind) IsReference() bool { return k == KindReference }

// Extend widens the low Width bytes of raw to 64 bits the way a load of this kind does.
func (k Kind) Extend(raw uint64) uint64 {
	switch k {
	case KindVoid:
		return 0
	case KindBoolean:
		return uint64(uint8(raw))
	case KindByte:
		return uint64(int64(int8(raw)))
	case KindChar:
		return uint64(uint16(raw))
	case KindShort:
		return uint64(int64(int16(raw)))
	case KindInt:
		return uint64(int64(int32(raw)))
	case KindFloat:
		return uint64(uint32(raw))
	case KindLong, KindDouble, KindWord, KindReference:
		return raw
	}
	panic(fmt.Sprintf("BUG: invalid kind %#x", byte(k)))
}

// ParseKind is the inverse of KindName.
func ParseKind(s string) (Kind, error) {
	for k := KindVoid; k <= KindReference; k++ {
		if KindName(k) == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}

// Tier is the quality level of compiled code.
type Tier byte

const (
	// TierAny accepts whatever tier is, or becomes, available.
	TierAny Tier = iota
	// TierBaseline is quick to produce and slow to run.
	TierBaseline
	// TierOptimized is slow to produce and quick to run.
	TierOptimized
)

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case TierAny:
		return "any"
	case TierBaseline:
		return "baseline"
	case TierOptimized:
		return "optimized"
	}
	return fmt.Sprintf("<unknown tier=%d>", byte(t))
}

// Opposite returns the other concrete tier. TierAny has no opposite.
func (t Tier) Opposite() Tier {
	switch t {
	case TierBaseline:
		return TierOptimized
	case TierOptimized:
		return TierBaseline
	}
	return TierAny
}

// Accepts returns true if an artifact of tier `have` satisfies a request for tier t.
func (t Tier) Accepts(have Tier) bool {
	return t == TierAny || t == have
}

// MethodID identifies a compilable method for the lifetime of the process.
type MethodID uint32

// Signature is the ordered list of parameter kinds and the result kind of a method.
type Signature struct {
	Params []Kind
	Result Kind
}

// Key returns a string unique to the parameter and result kinds, usable as a map key.
func (s *Signature) Key() string {
	b := make([]byte, 0, len(s.Params)+2)
	for _, p := range s.Params {
		b = append(b, 'a'+byte(p))
	}
	b = append(b, ':', 'a'+byte(s.Result))
	return string(b)
}

// String implements fmt.Stringer, e.g. "(int,long,ref)void".
func (s *Signature) String() string {
	names := make([]string, len(s.Params))
	for i, p := range s.Params {
		names[i] = KindName(p)
	}
	return "(" + strings.Join(names, ",") + ")" + KindName(s.Result)
}

// ParseSignature parses the String form of a Signature.
func ParseSignature(s string) (*Signature, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "(") {
		return nil, fmt.Errorf("signature %q must start with '('", s)
	}
	end := strings.IndexByte(s, ')')
	if end < 0 {
		return nil, fmt.Errorf("signature %q has no ')'", s)
	}
	sig := &Signature{}
	if params := strings.TrimSpace(s[1:end]); params != "" {
		for _, p := range strings.Split(params, ",") {
			k, err := ParseKind(strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			if k == KindVoid {
				return nil, fmt.Errorf("signature %q: void is not a parameter kind", s)
			}
			sig.Params = append(sig.Params, k)
		}
	}
	result := strings.TrimSpace(s[end+1:])
	if result == "" {
		result = "void"
	}
	k, err := ParseKind(result)
	if err != nil {
		return nil, err
	}
	sig.Result = k
	return sig, nil
}
