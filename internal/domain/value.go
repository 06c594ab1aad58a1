package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// Value is a structured JSON value: null, bool, number, string, ordered
// list, or ordered map. Map entries keep their wire order so parameter and
// result payloads round-trip losslessly; numbers keep their literal form.
// The zero Value is null.
type Value struct {
	kind   ValueKind
	boolV  bool
	numV   json.Number
	strV   string
	listV  []Value
	fields []Field
}

// Field is one entry of an ordered map Value.
type Field struct {
	Name  string
	Value Value
}

func Null() Value                { return Value{} }
func Bool(v bool) Value          { return Value{kind: KindBool, boolV: v} }
func String(v string) Value      { return Value{kind: KindString, strV: v} }
func Number(v json.Number) Value { return Value{kind: KindNumber, numV: v} }

func Int(v int64) Value {
	return Number(json.Number(strconv.FormatInt(v, 10)))
}

func Float(v float64) Value {
	return Number(json.Number(strconv.FormatFloat(v, 'g', -1, 64)))
}

func List(items ...Value) Value {
	return Value{kind: KindList, listV: items}
}

func Map(fields ...Field) Value {
	return Value{kind: KindMap, fields: fields}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

func (v Value) BoolValue() bool          { return v.boolV }
func (v Value) NumberValue() json.Number { return v.numV }
func (v Value) StringValue() string      { return v.strV }
func (v Value) ListValue() []Value       { return v.listV }
func (v Value) Fields() []Field          { return v.fields }

// Get returns the value of the named map field. The second result is false
// for non-map values and missing fields.
func (v Value) Get(name string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	for _, f := range v.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// With returns a copy of a map value with the named field set, appending it
// when absent. Calling With on a non-map value returns the receiver.
func (v Value) With(name string, val Value) Value {
	if v.kind != KindMap {
		return v
	}
	out := make([]Field, len(v.fields))
	copy(out, v.fields)
	for i, f := range out {
		if f.Name == name {
			out[i].Value = val
			return Value{kind: KindMap, fields: out}
		}
	}
	return Value{kind: KindMap, fields: append(out, Field{Name: name, Value: val})}
}

func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.boolV {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		if v.numV == "" {
			buf.WriteString("0")
		} else {
			buf.WriteString(string(v.numV))
		}
	case KindString:
		b, err := json.Marshal(v.strV)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.listV {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMap:
		buf.WriteByte('{')
		for i, f := range v.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			name, err := json.Marshal(f.Name)
			if err != nil {
				return err
			}
			buf.Write(name)
			buf.WriteByte(':')
			if err := f.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("value has unknown kind %d", v.kind)
	}
	return nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	parsed, err := decodeValue(dec)
	if err != nil {
		return err
	}
	switch _, err := dec.Token(); {
	case err == nil:
		return fmt.Errorf("trailing data after json value")
	case err != io.EOF:
		return fmt.Errorf("invalid data after json value: %w", err)
	}
	*v = parsed
	return nil
}

// ParseValue decodes raw JSON into a Value.
func ParseValue(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Value{}, err
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	return decodeFromToken(dec, tok)
}

func decodeFromToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Value{kind: KindList, listV: items}, nil
		case '{':
			fields := []Field{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("object key is not a string: %v", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				fields = append(fields, Field{Name: key, Value: val})
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Value{kind: KindMap, fields: fields}, nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

// JSONString renders the value as compact JSON. Encoding a Value built from
// the constructors cannot fail; a failure renders as null.
func (v Value) JSONString() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return "null"
	}
	return string(b)
}

// Interface converts the value to the corresponding untyped Go form
// (map[string]interface{}, []interface{}, json.Number, string, bool, nil)
// for callers that hand payloads to encoding/json as request bodies.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.boolV
	case KindNumber:
		return v.numV
	case KindString:
		return v.strV
	case KindList:
		out := make([]interface{}, 0, len(v.listV))
		for _, item := range v.listV {
			out = append(out, item.Interface())
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.fields))
		for _, f := range v.fields {
			out[f.Name] = f.Value.Interface()
		}
		return out
	default:
		return nil
	}
}

// Equal reports deep equality. Map fields compare order-insensitively so a
// re-serialized payload still matches its source.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.boolV == other.boolV
	case KindNumber:
		return v.numV == other.numV
	case KindString:
		return v.strV == other.strV
	case KindList:
		if len(v.listV) != len(other.listV) {
			return false
		}
		for i := range v.listV {
			if !v.listV[i].Equal(other.listV[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.fields) != len(other.fields) {
			return false
		}
		a := sortedFields(v.fields)
		b := sortedFields(other.fields)
		for i := range a {
			if a[i].Name != b[i].Name || !a[i].Value.Equal(b[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

func sortedFields(fields []Field) []Field {
	out := make([]Field, len(fields))
	copy(out, fields)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
