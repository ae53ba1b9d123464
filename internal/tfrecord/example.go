// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tfrecord

import (
	"math"
	"slices"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Example is a decoded tf.Example: a map of named features, each a list of bytes, int64 or float values.
//
// Only the wire format is used, so no generated protobuf code is needed:
//
//	message Example   { Features features = 1; }
//	message Features  { map<string, Feature> feature = 1; }
//	message Feature   { oneof kind { BytesList bytes_list = 1; FloatList float_list = 2; Int64List int64_list = 3; } }
//	message BytesList { repeated bytes value = 1; }
//	message FloatList { repeated float value = 1 [packed = true]; }
//	message Int64List { repeated int64 value = 1 [packed = true]; }
type Example struct {
	Bytes  map[string][][]byte
	Floats map[string][]float32
	Int64s map[string][]int64
}

// NewExample returns an empty Example.
func NewExample() *Example {
	return &Example{
		Bytes:  make(map[string][][]byte),
		Floats: make(map[string][]float32),
		Int64s: make(map[string][]int64),
	}
}

const (
	fieldFeatures   protowire.Number = 1
	fieldFeatureMap protowire.Number = 1
	fieldMapKey     protowire.Number = 1
	fieldMapValue   protowire.Number = 2
	fieldBytesList  protowire.Number = 1
	fieldFloatList  protowire.Number = 2
	fieldInt64List  protowire.Number = 3
	fieldListValue  protowire.Number = 1
)

// Marshal encodes the Example in the protobuf wire format. Features are written in sorted order,
// so the output is deterministic.
func (e *Example) Marshal() []byte {
	names := make([]string, 0, len(e.Bytes)+len(e.Floats)+len(e.Int64s))
	for name := range e.Bytes {
		names = append(names, name)
	}
	for name := range e.Floats {
		names = append(names, name)
	}
	for name := range e.Int64s {
		names = append(names, name)
	}
	slices.Sort(names)
	names = slices.Compact(names)

	var features []byte
	for _, name := range names {
		var feature []byte
		if values, found := e.Bytes[name]; found {
			var list []byte
			for _, v := range values {
				list = protowire.AppendTag(list, fieldListValue, protowire.BytesType)
				list = protowire.AppendBytes(list, v)
			}
			feature = protowire.AppendTag(feature, fieldBytesList, protowire.BytesType)
			feature = protowire.AppendBytes(feature, list)
		} else if values, found := e.Floats[name]; found {
			var packed []byte
			for _, v := range values {
				packed = protowire.AppendFixed32(packed, math.Float32bits(v))
			}
			var list []byte
			list = protowire.AppendTag(list, fieldListValue, protowire.BytesType)
			list = protowire.AppendBytes(list, packed)
			feature = protowire.AppendTag(feature, fieldFloatList, protowire.BytesType)
			feature = protowire.AppendBytes(feature, list)
		} else {
			var packed []byte
			for _, v := range e.Int64s[name] {
				packed = protowire.AppendVarint(packed, uint64(v))
			}
			var list []byte
			list = protowire.AppendTag(list, fieldListValue, protowire.BytesType)
			list = protowire.AppendBytes(list, packed)
			feature = protowire.AppendTag(feature, fieldInt64List, protowire.BytesType)
			feature = protowire.AppendBytes(feature, list)
		}
		var entry []byte
		entry = protowire.AppendTag(entry, fieldMapKey, protowire.BytesType)
		entry = protowire.AppendString(entry, name)
		entry = protowire.AppendTag(entry, fieldMapValue, protowire.BytesType)
		entry = protowire.AppendBytes(entry, feature)
		features = protowire.AppendTag(features, fieldFeatureMap, protowire.BytesType)
		features = protowire.AppendBytes(features, entry)
	}
	var out []byte
	out = protowire.AppendTag(out, fieldFeatures, protowire.BytesType)
	out = protowire.AppendBytes(out, features)
	return out
}

// ParseExample decodes a serialized tf.Example. Unknown fields are skipped.
func ParseExample(data []byte) (*Example, error) {
	e := NewExample()
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num != fieldFeatures || typ != protowire.BytesType {
			return nil
		}
		return forEachField(value, func(num protowire.Number, typ protowire.Type, entry []byte) error {
			if num != fieldFeatureMap || typ != protowire.BytesType {
				return nil
			}
			return e.parseFeatureEntry(entry)
		})
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse tf.Example")
	}
	return e, nil
}

func (e *Example) parseFeatureEntry(entry []byte) error {
	var name string
	var feature []byte
	err := forEachField(entry, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldMapKey:
			name = string(value)
		case fieldMapValue:
			feature = value
		}
		return nil
	})
	if err != nil {
		return err
	}
	return forEachField(feature, func(num protowire.Number, typ protowire.Type, list []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldBytesList:
			values := [][]byte{}
			err := forEachField(list, func(num protowire.Number, typ protowire.Type, v []byte) error {
				if num == fieldListValue && typ == protowire.BytesType {
					values = append(values, slices.Clone(v))
				}
				return nil
			})
			e.Bytes[name] = values
			return err
		case fieldFloatList:
			values, err := parseFloats(list)
			e.Floats[name] = values
			return err
		case fieldInt64List:
			values, err := parseInt64s(list)
			e.Int64s[name] = values
			return err
		}
		return nil
	})
}

// forEachField iterates over the top-level fields of a protobuf message. For fixed and varint fields
// value is nil: callers here only care about length-delimited ones, except for the repeated scalar
// lists which are parsed by parseFloats and parseInt64s.
func forEachField(data []byte, fn func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var value []byte
		if typ == protowire.BytesType {
			value, n = protowire.ConsumeBytes(data)
		} else {
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if err := fn(num, typ, value); err != nil {
			return err
		}
	}
	return nil
}

// parseFloats parses a FloatList, accepting both packed and unpacked encodings.
func parseFloats(list []byte) ([]float32, error) {
	values := []float32{}
	for len(list) > 0 {
		num, typ, n := protowire.ConsumeTag(list)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		list = list[n:]
		switch {
		case num == fieldListValue && typ == protowire.BytesType:
			var packed []byte
			packed, n = protowire.ConsumeBytes(list)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				values = append(values, math.Float32frombits(v))
				packed = packed[m:]
			}
		case num == fieldListValue && typ == protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(list)
			if n >= 0 {
				values = append(values, math.Float32frombits(v))
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, list)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		list = list[n:]
	}
	return values, nil
}

// parseInt64s parses an Int64List, accepting both packed and unpacked encodings.
func parseInt64s(list []byte) ([]int64, error) {
	values := []int64{}
	for len(list) > 0 {
		num, typ, n := protowire.ConsumeTag(list)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		list = list[n:]
		switch {
		case num == fieldListValue && typ == protowire.BytesType:
			var packed []byte
			packed, n = protowire.ConsumeBytes(list)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				values = append(values, int64(v))
				packed = packed[m:]
			}
		case num == fieldListValue && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(list)
			if n >= 0 {
				values = append(values, int64(v))
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, list)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		list = list[n:]
	}
	return values, nil
}

// ImageExample creates the Example used for image classification datasets: the encoded (or raw)
// image in the "image" feature and the class in the "label" feature.
func ImageExample(image []byte, label int64) *Example {
	e := NewExample()
	e.Bytes[FeatureImage] = [][]byte{image}
	e.Int64s[FeatureLabel] = []int64{label}
	return e
}

// WithFormat sets the FeatureFormat of an image Example, FormatRaw or FormatEncoded, and returns e.
func (e *Example) WithFormat(format string) *Example {
	e.Bytes[FeatureFormat] = [][]byte{[]byte(format)}
	return e
}

// ImageFormat returns the FeatureFormat of an image Example, or "" if it is not set.
func (e *Example) ImageFormat() string {
	formats := e.Bytes[FeatureFormat]
	if len(formats) != 1 {
		return ""
	}
	return string(formats[0])
}

const (
	// FeatureImage is the name of the feature holding the image bytes.
	FeatureImage = "image"

	// FeatureLabel is the name of the feature holding the class label.
	FeatureLabel = "label"

	// FeatureFormat is the name of the optional feature telling how the image bytes are stored.
	FeatureFormat = "format"

	// FormatRaw marks images stored as raw uint8 pixels in (height, width, channels) order.
	FormatRaw = "raw"

	// FormatEncoded marks images stored in an image file format (PNG, JPEG, ...).
	FormatEncoded = "encoded"
)

// ImageAndLabel extracts the image bytes and label of an image classification Example.
func (e *Example) ImageAndLabel() (image []byte, label int64, err error) {
	images := e.Bytes[FeatureImage]
	if len(images) != 1 {
		return nil, 0, errors.Errorf("tf.Example must have exactly one %q bytes value, got %d",
			FeatureImage, len(images))
	}
	labels := e.Int64s[FeatureLabel]
	if len(labels) != 1 {
		return nil, 0, errors.Errorf("tf.Example must have exactly one %q int64 value, got %d",
			FeatureLabel, len(labels))
	}
	return images[0], labels[0], nil
}
