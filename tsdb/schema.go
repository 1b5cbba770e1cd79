package tsdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/spf13/cast"

	"github.com/saxdb/saxdb/kit/errors"
)

// FieldType enumerates the metadata value types.
type FieldType uint8

const (
	FieldInt FieldType = iota + 1
	FieldFloat
	FieldBool
	FieldString
)

// String returns the type's schema name.
func (t FieldType) String() string {
	switch t {
	case FieldInt:
		return "int"
	case FieldFloat:
		return "float"
	case FieldBool:
		return "bool"
	case FieldString:
		return "string"
	default:
		return "unknown"
	}
}

// IndexKind selects the secondary index structure maintained for a field.
type IndexKind uint8

const (
	IndexNone IndexKind = iota
	IndexTree
	IndexBitmap
)

// Names of the implicit fields present in every schema.
const (
	DeletedField = "deleted"
	VPField      = "vp"

	vpDistancePrefix = "d_vp_"
)

// VPDistanceField returns the implicit field name holding the distance to the
// vantage point pk.
func VPDistanceField(pk string) string { return vpDistancePrefix + pk }

// IsVPDistanceField reports whether name is an implicit vantage-point
// distance field, returning the vantage point's pk.
func IsVPDistanceField(name string) (string, bool) {
	if strings.HasPrefix(name, vpDistancePrefix) {
		return strings.TrimPrefix(name, vpDistancePrefix), true
	}
	return "", false
}

// reservedChars are delimiters used in on-disk file names and formats.
// Primary keys and field names may not contain them.
const reservedChars = "/\\:*?\x00\n\t "

// ValidatePK returns an error if pk is empty or contains a reserved character.
func ValidatePK(pk string) error {
	if pk == "" {
		return &errors.Error{Code: errors.EInvalid, Msg: "primary key must not be empty"}
	}
	if strings.ContainsAny(pk, reservedChars) {
		return &errors.Error{
			Code: errors.EInvalid,
			Msg:  fmt.Sprintf("primary key %q contains a reserved character", pk),
		}
	}
	return nil
}

// Field describes one metadata column.
type Field struct {
	Name    string
	Type    FieldType
	Size    int // maximum encoded bytes, string fields only
	Default interface{}
	Index   IndexKind
}

// width returns the encoded byte width of the field.
func (f Field) width() int {
	switch f.Type {
	case FieldInt, FieldFloat:
		return 8
	case FieldBool:
		return 1
	case FieldString:
		return 2 + f.Size
	default:
		panic(fmt.Sprintf("unreachable: invalid field type: %d", f.Type))
	}
}

// Schema is an ordered list of metadata field descriptors. It governs the
// MetaHeap record layout: records are packed tuples in schema order.
type Schema struct {
	fields []Field
	byName map[string]int
}

// NewSchema returns a schema holding only the implicit fields.
func NewSchema() *Schema {
	s := &Schema{byName: make(map[string]int)}
	s.mustAdd(Field{Name: DeletedField, Type: FieldBool, Default: false, Index: IndexBitmap})
	s.mustAdd(Field{Name: VPField, Type: FieldBool, Default: false, Index: IndexBitmap})
	return s
}

func (s *Schema) mustAdd(f Field) {
	if err := s.AddField(f); err != nil {
		panic(err)
	}
}

// AddField appends a field to the schema. The record size R grows by the
// field's width; callers owning a MetaHeap must rewrite it.
func (s *Schema) AddField(f Field) error {
	if f.Name == "" || strings.ContainsAny(f.Name, reservedChars) {
		// vp distance fields embed the pk, which is already validated
		if _, ok := IsVPDistanceField(f.Name); !ok {
			return &errors.Error{
				Code: errors.EInvalid,
				Msg:  fmt.Sprintf("invalid field name %q", f.Name),
			}
		}
	}
	if _, ok := s.byName[f.Name]; ok {
		return &errors.Error{
			Code: errors.EAlreadyExists,
			Msg:  fmt.Sprintf("field %q already in schema", f.Name),
		}
	}
	switch f.Type {
	case FieldInt, FieldFloat, FieldBool:
	case FieldString:
		if f.Size <= 0 {
			return &errors.Error{Code: errors.EInvalid, Msg: "string field requires a positive size"}
		}
	default:
		return &errors.Error{Code: errors.EInvalid, Msg: "unknown field type"}
	}

	if f.Default == nil {
		// A field declared without a default takes its type's zero value.
		switch f.Type {
		case FieldInt:
			f.Default = int64(0)
		case FieldFloat:
			f.Default = float64(0)
		case FieldBool:
			f.Default = false
		case FieldString:
			f.Default = ""
		}
	}
	def, err := coerceValue(f.Type, f.Default)
	if err != nil {
		return err
	}
	f.Default = def

	s.byName[f.Name] = len(s.fields)
	s.fields = append(s.fields, f)
	return nil
}

// RemoveField drops a field from the schema. Implicit fields cannot be
// removed. The caller must rewrite the MetaHeap afterwards.
func (s *Schema) RemoveField(name string) error {
	if name == DeletedField || name == VPField {
		return &errors.Error{
			Code: errors.EInvalid,
			Msg:  fmt.Sprintf("field %q is implicit and cannot be removed", name),
		}
	}
	i, ok := s.byName[name]
	if !ok {
		return &errors.Error{
			Code: errors.ESchemaMismatch,
			Msg:  fmt.Sprintf("field %q not in schema", name),
		}
	}
	s.fields = append(s.fields[:i], s.fields[i+1:]...)
	delete(s.byName, name)
	for j := i; j < len(s.fields); j++ {
		s.byName[s.fields[j].Name] = j
	}
	return nil
}

// Fields returns the fields in schema order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// FieldInfo returns the descriptor for name.
func (s *Schema) FieldInfo(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// HasField reports whether name is in the schema.
func (s *Schema) HasField(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// Size returns the packed record size R in bytes.
func (s *Schema) Size() int {
	var n int
	for _, f := range s.fields {
		n += f.width()
	}
	return n
}

// Defaults returns a record populated with every field's default value.
func (s *Schema) Defaults() map[string]interface{} {
	rec := make(map[string]interface{}, len(s.fields))
	for _, f := range s.fields {
		rec[f.Name] = f.Default
	}
	return rec
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	other := &Schema{
		fields: make([]Field, len(s.fields)),
		byName: make(map[string]int, len(s.byName)),
	}
	copy(other.fields, s.fields)
	for k, v := range s.byName {
		other.byName[k] = v
	}
	return other
}

// Coerce converts value to the declared type of field name.
func (s *Schema) Coerce(name string, value interface{}) (interface{}, error) {
	f, ok := s.FieldInfo(name)
	if !ok {
		return nil, &errors.Error{
			Code: errors.ESchemaMismatch,
			Msg:  fmt.Sprintf("field %q not in schema", name),
		}
	}
	return coerceValue(f.Type, value)
}

func coerceValue(t FieldType, value interface{}) (interface{}, error) {
	var (
		out interface{}
		err error
	)
	switch t {
	case FieldInt:
		out, err = cast.ToInt64E(value)
	case FieldFloat:
		out, err = cast.ToFloat64E(value)
	case FieldBool:
		out, err = cast.ToBoolE(value)
	case FieldString:
		out, err = cast.ToStringE(value)
	default:
		err = fmt.Errorf("unknown field type %d", t)
	}
	if err != nil {
		return nil, &errors.Error{Code: errors.EInvalid, Msg: "cannot coerce value", Err: err}
	}
	return out, nil
}

// Encode packs a record into schema order. Missing fields take their
// defaults; unknown fields are an error.
func (s *Schema) Encode(rec map[string]interface{}) ([]byte, error) {
	for name := range rec {
		if !s.HasField(name) {
			return nil, &errors.Error{
				Code: errors.ESchemaMismatch,
				Msg:  fmt.Sprintf("field %q not in schema", name),
			}
		}
	}

	buf := make([]byte, 0, s.Size())
	for _, f := range s.fields {
		v, ok := rec[f.Name]
		if !ok {
			v = f.Default
		}
		v, err := coerceValue(f.Type, v)
		if err != nil {
			return nil, err
		}

		switch f.Type {
		case FieldInt:
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v.(int64)))
		case FieldFloat:
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.(float64)))
		case FieldBool:
			if v.(bool) {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case FieldString:
			str := v.(string)
			if len(str) > f.Size {
				return nil, &errors.Error{
					Code: errors.EInvalid,
					Msg:  fmt.Sprintf("value for field %q exceeds %d bytes", f.Name, f.Size),
				}
			}
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(str)))
			buf = append(buf, str...)
			buf = append(buf, make([]byte, f.Size-len(str))...)
		}
	}
	return buf, nil
}

// Decode unpacks a record encoded by Encode.
func (s *Schema) Decode(buf []byte) (map[string]interface{}, error) {
	if len(buf) != s.Size() {
		return nil, &errors.Error{
			Code: errors.EIntegrity,
			Msg:  fmt.Sprintf("record is %d bytes, schema requires %d", len(buf), s.Size()),
		}
	}

	rec := make(map[string]interface{}, len(s.fields))
	for _, f := range s.fields {
		switch f.Type {
		case FieldInt:
			rec[f.Name] = int64(binary.LittleEndian.Uint64(buf))
			buf = buf[8:]
		case FieldFloat:
			rec[f.Name] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
			buf = buf[8:]
		case FieldBool:
			rec[f.Name] = buf[0] == 1
			buf = buf[1:]
		case FieldString:
			n := int(binary.LittleEndian.Uint16(buf))
			buf = buf[2:]
			if n > f.Size {
				return nil, &errors.Error{
					Code: errors.EIntegrity,
					Msg:  fmt.Sprintf("string length %d exceeds field size %d", n, f.Size),
				}
			}
			rec[f.Name] = string(buf[:n])
			buf = buf[f.Size:]
		}
	}
	return rec, nil
}

// MarshalBinary serializes the schema deterministically.
func (s *Schema) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(len(s.fields)))
	for _, f := range s.fields {
		writeString16(&buf, f.Name)
		buf.WriteByte(byte(f.Type))
		binary.Write(&buf, binary.LittleEndian, uint32(f.Size))
		buf.WriteByte(byte(f.Index))

		switch f.Type {
		case FieldInt:
			binary.Write(&buf, binary.LittleEndian, uint64(f.Default.(int64)))
		case FieldFloat:
			binary.Write(&buf, binary.LittleEndian, math.Float64bits(f.Default.(float64)))
		case FieldBool:
			if f.Default.(bool) {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case FieldString:
			writeString16(&buf, f.Default.(string))
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores a schema serialized by MarshalBinary.
func (s *Schema) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return &errors.Error{Code: errors.EIntegrity, Msg: "truncated schema", Err: err}
	}

	s.fields = make([]Field, 0, n)
	s.byName = make(map[string]int, n)
	for i := 0; i < int(n); i++ {
		var f Field

		name, err := readString16(r)
		if err != nil {
			return &errors.Error{Code: errors.EIntegrity, Msg: "truncated schema", Err: err}
		}
		f.Name = name

		hdr := make([]byte, 1+4+1)
		if _, err := io.ReadFull(r, hdr); err != nil {
			return &errors.Error{Code: errors.EIntegrity, Msg: "truncated schema", Err: err}
		}
		f.Type = FieldType(hdr[0])
		f.Size = int(binary.LittleEndian.Uint32(hdr[1:5]))
		f.Index = IndexKind(hdr[5])

		switch f.Type {
		case FieldInt:
			var v uint64
			if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
				return &errors.Error{Code: errors.EIntegrity, Msg: "truncated schema", Err: err}
			}
			f.Default = int64(v)
		case FieldFloat:
			var v uint64
			if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
				return &errors.Error{Code: errors.EIntegrity, Msg: "truncated schema", Err: err}
			}
			f.Default = math.Float64frombits(v)
		case FieldBool:
			b, err := r.ReadByte()
			if err != nil {
				return &errors.Error{Code: errors.EIntegrity, Msg: "truncated schema", Err: err}
			}
			f.Default = b == 1
		case FieldString:
			v, err := readString16(r)
			if err != nil {
				return &errors.Error{Code: errors.EIntegrity, Msg: "truncated schema", Err: err}
			}
			f.Default = v
		default:
			return &errors.Error{
				Code: errors.EIntegrity,
				Msg:  fmt.Sprintf("unknown field type %d in schema", f.Type),
			}
		}

		s.byName[f.Name] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	return nil
}

func writeString16(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString16(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
