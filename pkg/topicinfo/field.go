// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package topicinfo

import (
	"fmt"
	"math"
	"reflect"

	"github.com/united-manufacturing-hub/salbus/pkg/sal"
)

// FieldType is the declared type of a payload field.
type FieldType string

const (
	TypeBoolean       FieldType = "boolean"
	TypeByte          FieldType = "byte"
	TypeShort         FieldType = "short"
	TypeInt           FieldType = "int"
	TypeLong          FieldType = "long"
	TypeLongLong      FieldType = "longLong"
	TypeUnsignedShort FieldType = "unsignedShort"
	TypeUnsignedInt   FieldType = "unsignedInt"
	TypeUnsignedLong  FieldType = "unsignedLong"
	TypeFloat         FieldType = "float"
	TypeDouble        FieldType = "double"
	TypeString        FieldType = "string"
)

type intRange struct{ min, max int64 }

var intRanges = map[FieldType]intRange{
	TypeByte:          {0, math.MaxUint8},
	TypeShort:         {math.MinInt16, math.MaxInt16},
	TypeInt:           {math.MinInt32, math.MaxInt32},
	TypeLong:          {math.MinInt32, math.MaxInt32},
	TypeLongLong:      {math.MinInt64, math.MaxInt64},
	TypeUnsignedShort: {0, math.MaxUint16},
	TypeUnsignedInt:   {0, math.MaxUint32},
	TypeUnsignedLong:  {0, math.MaxUint32},
}

// IsInteger reports whether values of this type are stored as int64.
func (t FieldType) IsInteger() bool {
	_, ok := intRanges[t]
	return ok
}

// IsFloat reports whether values of this type are stored as float64.
func (t FieldType) IsFloat() bool {
	return t == TypeFloat || t == TypeDouble
}

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	return t.IsInteger() || t.IsFloat() || t == TypeBoolean || t == TypeString
}

// FieldInfo describes one payload field.
type FieldInfo struct {
	Name        string    `yaml:"name"`
	Type        FieldType `yaml:"type"`
	Count       int       `yaml:"count,omitempty"`
	Units       string    `yaml:"units,omitempty"`
	Description string    `yaml:"description,omitempty"`
}

// IsArray reports whether the field is a fixed-length array.
func (f FieldInfo) IsArray() bool {
	return f.Count > 1 && f.Type != TypeString
}

// Default returns the zero value of the field in its canonical representation.
func (f FieldInfo) Default() any {
	if f.IsArray() {
		switch {
		case f.Type == TypeBoolean:
			return make([]bool, f.Count)
		case f.Type.IsInteger():
			return make([]int64, f.Count)
		default:
			return make([]float64, f.Count)
		}
	}

	switch {
	case f.Type == TypeBoolean:
		return false
	case f.Type.IsInteger():
		return int64(0)
	case f.Type.IsFloat():
		return float64(0)
	default:
		return ""
	}
}

// Coerce converts value to the canonical representation of the field,
// failing with sal.ErrInvalidArgument on a type mismatch, an out of range integer
// or an array of the wrong length.
func (f FieldInfo) Coerce(value any) (any, error) {
	if !f.IsArray() {
		return f.coerceScalar(value)
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: field %s wants an array of %d %s, got %T", sal.ErrInvalidArgument, f.Name, f.Count, f.Type, value)
	}
	if rv.Len() != f.Count {
		return nil, fmt.Errorf("%w: field %s wants %d elements, got %d", sal.ErrInvalidArgument, f.Name, f.Count, rv.Len())
	}

	switch {
	case f.Type == TypeBoolean:
		out := make([]bool, f.Count)
		for i := range out {
			v, err := f.coerceScalar(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = v.(bool)
		}
		return out, nil
	case f.Type.IsInteger():
		out := make([]int64, f.Count)
		for i := range out {
			v, err := f.coerceScalar(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = v.(int64)
		}
		return out, nil
	default:
		out := make([]float64, f.Count)
		for i := range out {
			v, err := f.coerceScalar(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = v.(float64)
		}
		return out, nil
	}
}

func (f FieldInfo) coerceScalar(value any) (any, error) {
	mismatch := func() error {
		return fmt.Errorf("%w: field %s wants %s, got %T", sal.ErrInvalidArgument, f.Name, f.Type, value)
	}

	switch {
	case f.Type == TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, mismatch()
		}
		return b, nil

	case f.Type == TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, mismatch()
		}
		return s, nil

	case f.Type.IsInteger():
		var i int64
		rv := reflect.ValueOf(value)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i = rv.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			u := rv.Uint()
			if u > math.MaxInt64 {
				return nil, fmt.Errorf("%w: field %s value %d out of range", sal.ErrInvalidArgument, f.Name, u)
			}
			i = int64(u)
		case reflect.Float32, reflect.Float64:
			fl := rv.Float()
			if fl != math.Trunc(fl) || math.IsInf(fl, 0) || math.IsNaN(fl) {
				return nil, mismatch()
			}
			// float64(math.MaxInt64) rounds up to 2^63, which is already out of range.
			if fl < math.MinInt64 || fl >= math.MaxInt64 {
				return nil, fmt.Errorf("%w: field %s value %g out of range for %s", sal.ErrInvalidArgument, f.Name, fl, f.Type)
			}
			i = int64(fl)
		default:
			return nil, mismatch()
		}
		r := intRanges[f.Type]
		if i < r.min || i > r.max {
			return nil, fmt.Errorf("%w: field %s value %d out of range for %s", sal.ErrInvalidArgument, f.Name, i, f.Type)
		}
		return i, nil

	case f.Type.IsFloat():
		rv := reflect.ValueOf(value)
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			return rv.Float(), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return float64(rv.Int()), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return float64(rv.Uint()), nil
		default:
			return nil, mismatch()
		}
	}

	return nil, fmt.Errorf("%w: field %s has unknown type %q", sal.ErrInvalidArgument, f.Name, f.Type)
}
