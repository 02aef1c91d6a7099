package canon

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

var (
	decimalType    = reflect.TypeOf(decimal.Decimal{})
	timeType       = reflect.TypeOf(time.Time{})
	jsonNumberType = reflect.TypeOf(json.Number(""))
	nullType       = reflect.TypeOf(nullValue{})
	valuerType     = reflect.TypeOf((*Valuer)(nil)).Elem()
)

type v1 struct{}

func (v1) Ruleset() string { return RulesetV1 }

func (v1) Encode(v any) ([]byte, error) {
	st := &encodeState{onPath: map[visit]struct{}{}}
	if err := st.encode(reflect.ValueOf(v), "$", 0); err != nil {
		return nil, err
	}
	return st.buf.Bytes(), nil
}

type visit struct {
	ptr uintptr
	typ reflect.Type
}

type encodeState struct {
	buf    bytes.Buffer
	onPath map[visit]struct{}
}

func (s *encodeState) encode(v reflect.Value, path string, depth int) error {
	if depth > maxDepth {
		return &EncodingError{Path: path, Reason: "nesting too deep"}
	}
	if !v.IsValid() {
		s.buf.WriteString("null")
		return nil
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			s.buf.WriteString("null")
			return nil
		}
	}

	switch v.Type() {
	case nullType:
		s.buf.WriteString("null")
		return nil
	case decimalType:
		return s.encodeDecimal(v.Interface().(decimal.Decimal), path)
	case timeType:
		return s.encodeString(v.Interface().(time.Time).UTC().Format(TimeLayout), path)
	case jsonNumberType:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return &EncodingError{Path: path, Reason: "malformed number " + strconv.Quote(v.String())}
		}
		return s.encodeDecimal(d, path)
	}

	if val, ok, err := canonicalValue(v); ok {
		if err != nil {
			return &EncodingError{Path: path, Reason: err.Error()}
		}
		return s.encode(reflect.ValueOf(val), path, depth+1)
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			s.buf.WriteString("true")
		} else {
			s.buf.WriteString("false")
		}
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		s.buf.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		s.buf.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		return s.encodeFloat(v, path)
	case reflect.String:
		return s.encodeString(v.String(), path)
	case reflect.Pointer:
		key := visit{ptr: v.Pointer(), typ: v.Type()}
		if _, seen := s.onPath[key]; seen {
			return &EncodingError{Path: path, Reason: "cyclic structure"}
		}
		s.onPath[key] = struct{}{}
		defer delete(s.onPath, key)
		return s.encode(v.Elem(), path, depth+1)
	case reflect.Interface:
		return s.encode(v.Elem(), path, depth+1)
	case reflect.Slice:
		if v.IsNil() {
			s.buf.WriteString("null")
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return s.encodeString(hex.EncodeToString(v.Bytes()), path)
		}
		if v.Len() > 0 {
			key := visit{ptr: v.Pointer(), typ: v.Type()}
			if _, seen := s.onPath[key]; seen {
				return &EncodingError{Path: path, Reason: "cyclic structure"}
			}
			s.onPath[key] = struct{}{}
			defer delete(s.onPath, key)
		}
		return s.encodeSequence(v, path, depth)
	case reflect.Array:
		return s.encodeSequence(v, path, depth)
	case reflect.Map:
		if v.IsNil() {
			s.buf.WriteString("null")
			return nil
		}
		key := visit{ptr: v.Pointer(), typ: v.Type()}
		if _, seen := s.onPath[key]; seen {
			return &EncodingError{Path: path, Reason: "cyclic structure"}
		}
		s.onPath[key] = struct{}{}
		defer delete(s.onPath, key)
		return s.encodeMap(v, path, depth)
	case reflect.Struct:
		return s.encodeStruct(v, path, depth)
	}
	return &EncodingError{Path: path, Reason: "unsupported type " + v.Type().String()}
}

// canonicalValue calls CanonicalValue when v (or a pointer to a copy of v) implements Valuer.
func canonicalValue(v reflect.Value) (any, bool, error) {
	if !v.CanInterface() {
		return nil, false, nil
	}
	if v.Type().Implements(valuerType) {
		val, err := v.Interface().(Valuer).CanonicalValue()
		return val, true, err
	}
	if v.Kind() != reflect.Pointer && reflect.PointerTo(v.Type()).Implements(valuerType) {
		p := reflect.New(v.Type())
		p.Elem().Set(v)
		val, err := p.Interface().(Valuer).CanonicalValue()
		return val, true, err
	}
	return nil, false, nil
}

func (s *encodeState) encodeFloat(v reflect.Value, path string) error {
	f := v.Float()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &EncodingError{Path: path, Reason: "non-finite number"}
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		s.buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	var d decimal.Decimal
	if v.Kind() == reflect.Float32 {
		d = decimal.NewFromFloat32(float32(f))
	} else {
		d = decimal.NewFromFloat(f)
	}
	return s.encodeDecimal(d, path)
}

// encodeDecimal refuses numbers whose literal would run past MaxNumberDigits
// before expanding them.
func (s *encodeState) encodeDecimal(d decimal.Decimal, path string) error {
	if expandedDigits(d) > MaxNumberDigits {
		return &EncodingError{Path: path, Reason: "number has more than " + strconv.Itoa(MaxNumberDigits) + " digits"}
	}
	s.buf.WriteString(d.String())
	return nil
}

// expandedDigits is an upper bound on the digits d.String() writes.
func expandedDigits(d decimal.Decimal) int64 {
	n, exp := int64(d.NumDigits()), int64(d.Exponent())
	switch {
	case exp >= 0:
		return n + exp
	case -exp >= n:
		return -exp + 1
	default:
		return n
	}
}

func (s *encodeState) encodeString(str, path string) error {
	if !utf8.ValidString(str) {
		return &EncodingError{Path: path, Reason: "invalid UTF-8 in string"}
	}
	s.buf.WriteByte('"')
	for i := 0; i < len(str); i++ {
		c := str[i]
		if c == '"' || c == '\\' {
			s.buf.WriteByte('\\')
		}
		s.buf.WriteByte(c)
	}
	s.buf.WriteByte('"')
	return nil
}

func (s *encodeState) encodeSequence(v reflect.Value, path string, depth int) error {
	s.buf.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			s.buf.WriteByte(',')
		}
		if err := s.encode(v.Index(i), path+"["+strconv.Itoa(i)+"]", depth+1); err != nil {
			return err
		}
	}
	s.buf.WriteByte(']')
	return nil
}

type member struct {
	name  string
	value reflect.Value
}

func (s *encodeState) encodeMap(v reflect.Value, path string, depth int) error {
	if v.Type().Key().Kind() != reflect.String {
		return &EncodingError{Path: path, Reason: "map key type " + v.Type().Key().String() + " is not a string"}
	}
	members := make([]member, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		val := iter.Value()
		if absent(val) {
			continue
		}
		members = append(members, member{name: iter.Key().String(), value: val})
	}
	return s.encodeMembers(members, path, depth)
}

func (s *encodeState) encodeStruct(v reflect.Value, path string, depth int) error {
	t := v.Type()
	members := make([]member, 0, t.NumField())
	names := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		fv := v.Field(i)
		if absent(fv) || (fv.Kind() == reflect.Interface && fv.IsNil()) {
			continue
		}
		if _, dup := names[name]; dup {
			return &EncodingError{Path: path, Reason: "duplicate field name " + strconv.Quote(name)}
		}
		names[name] = struct{}{}
		members = append(members, member{name: name, value: fv})
	}
	return s.encodeMembers(members, path, depth)
}

func (s *encodeState) encodeMembers(members []member, path string, depth int) error {
	sort.Slice(members, func(i, j int) bool { return members[i].name < members[j].name })
	s.buf.WriteByte('{')
	for i, m := range members {
		if i > 0 {
			s.buf.WriteByte(',')
		}
		if err := s.encodeString(m.name, path); err != nil {
			return err
		}
		s.buf.WriteByte(':')
		if err := s.encode(m.value, path+"."+m.name, depth+1); err != nil {
			return err
		}
	}
	s.buf.WriteByte('}')
	return nil
}

// absent reports whether a member value stands for "not supplied". An interface holding
// nothing is an explicit null; an interface holding a typed nil is absent.
func absent(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map:
		return v.IsNil()
	case reflect.Interface:
		if v.IsNil() {
			return false
		}
		return absent(v.Elem())
	}
	return false
}
