// Package tfexample encodes and decodes tf.train.Example protos, the record
// payload of the dogs-vs-cats shards. The message is small enough that it is
// handled directly on the proto wire format instead of through generated
// bindings:
//
//	Example    { Features features = 1; }
//	Features   { map<string, Feature> feature = 1; }
//	Feature    { oneof { BytesList = 1; FloatList = 2; Int64List = 3; } }
//	BytesList  { repeated bytes value = 1; }
//	FloatList  { repeated float value = 1 [packed]; }
//	Int64List  { repeated int64 value = 1 [packed]; }
package tfexample

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Feature is one value list of an Example. At most one of the fields is set.
type Feature struct {
	Bytes  [][]byte
	Floats []float32
	Ints   []int64
}

// Example is a parsed tf.train.Example: a name -> Feature map.
type Example map[string]Feature

// Parse decodes the wire form of a tf.train.Example.
func Parse(b []byte) (Example, error) {
	ex := Example{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("tfexample: bad tag")
		}
		b = b[n:]

		if num == 1 && typ == protowire.BytesType {
			features, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.New("tfexample: bad features field")
			}
			b = b[n:]
			if err := parseFeatures(features, ex); err != nil {
				return nil, err
			}
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, errors.New("tfexample: bad field")
		}
		b = b[n:]
	}
	return ex, nil
}

func parseFeatures(b []byte, ex Example) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.New("tfexample: bad features tag")
		}
		b = b[n:]

		if num == 1 && typ == protowire.BytesType {
			entry, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.New("tfexample: bad map entry")
			}
			b = b[n:]
			key, feat, err := parseEntry(entry)
			if err != nil {
				return err
			}
			ex[key] = feat
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return errors.New("tfexample: bad features field")
		}
		b = b[n:]
	}
	return nil
}

func parseEntry(b []byte) (string, Feature, error) {
	var key string
	var feat Feature
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", feat, errors.New("tfexample: bad entry tag")
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", feat, errors.New("tfexample: bad entry key")
			}
			b = b[n:]
			key = s
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", feat, errors.New("tfexample: bad entry value")
			}
			b = b[n:]
			f, err := parseFeature(v)
			if err != nil {
				return "", feat, err
			}
			feat = f
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", feat, errors.New("tfexample: bad entry field")
			}
			b = b[n:]
		}
	}
	return key, feat, nil
}

func parseFeature(b []byte) (Feature, error) {
	var feat Feature
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return feat, errors.New("tfexample: bad feature tag")
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return feat, errors.New("tfexample: bad feature field")
			}
			b = b[n:]
			continue
		}

		list, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return feat, errors.New("tfexample: bad feature list")
		}
		b = b[n:]

		var err error
		switch num {
		case 1:
			err = parseBytesList(list, &feat)
		case 2:
			err = parseFloatList(list, &feat)
		case 3:
			err = parseInt64List(list, &feat)
		}
		if err != nil {
			return feat, err
		}
	}
	return feat, nil
}

func parseBytesList(b []byte, feat *Feature) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.New("tfexample: bad bytes list tag")
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.New("tfexample: bad bytes list field")
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return errors.New("tfexample: bad bytes value")
		}
		b = b[n:]
		feat.Bytes = append(feat.Bytes, v)
	}
	return nil
}

func parseFloatList(b []byte, feat *Feature) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.New("tfexample: bad float list tag")
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType: // packed
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.New("tfexample: bad packed floats")
			}
			b = b[n:]
			for len(packed) > 0 {
				v, n := protowire.ConsumeFixed32(packed)
				if n < 0 {
					return errors.New("tfexample: bad float value")
				}
				packed = packed[n:]
				feat.Floats = append(feat.Floats, math.Float32frombits(v))
			}
		case num == 1 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return errors.New("tfexample: bad float value")
			}
			b = b[n:]
			feat.Floats = append(feat.Floats, math.Float32frombits(v))
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.New("tfexample: bad float list field")
			}
			b = b[n:]
		}
	}
	return nil
}

func parseInt64List(b []byte, feat *Feature) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.New("tfexample: bad int64 list tag")
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType: // packed
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.New("tfexample: bad packed int64s")
			}
			b = b[n:]
			for len(packed) > 0 {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return errors.New("tfexample: bad int64 value")
				}
				packed = packed[n:]
				feat.Ints = append(feat.Ints, int64(v))
			}
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.New("tfexample: bad int64 value")
			}
			b = b[n:]
			feat.Ints = append(feat.Ints, int64(v))
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.New("tfexample: bad int64 list field")
			}
			b = b[n:]
		}
	}
	return nil
}

// BytesValue returns the first bytes value of the named feature, or nil when
// the feature is absent — the zero default of the original feature
// description.
func (ex Example) BytesValue(name string) []byte {
	f, ok := ex[name]
	if !ok || len(f.Bytes) == 0 {
		return nil
	}
	return f.Bytes[0]
}

// StringValue returns the first bytes value as a string, or "".
func (ex Example) StringValue(name string) string {
	return string(ex.BytesValue(name))
}

// Int64Value returns the first int64 value of the named feature, or 0.
func (ex Example) Int64Value(name string) int64 {
	f, ok := ex[name]
	if !ok || len(f.Ints) == 0 {
		return 0
	}
	return f.Ints[0]
}

// Marshal encodes the Example back to wire form. Used by the shard writer and
// test fixtures.
func (ex Example) Marshal() []byte {
	var features []byte
	for key, feat := range ex {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, key)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendBytes(entry, marshalFeature(feat))

		features = protowire.AppendTag(features, 1, protowire.BytesType)
		features = protowire.AppendBytes(features, entry)
	}

	var out []byte
	out = protowire.AppendTag(out, 1, protowire.BytesType)
	out = protowire.AppendBytes(out, features)
	return out
}

func marshalFeature(feat Feature) []byte {
	var list []byte
	var field protowire.Number
	switch {
	case feat.Bytes != nil:
		field = 1
		for _, v := range feat.Bytes {
			list = protowire.AppendTag(list, 1, protowire.BytesType)
			list = protowire.AppendBytes(list, v)
		}
	case feat.Floats != nil:
		field = 2
		var packed []byte
		for _, v := range feat.Floats {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		list = protowire.AppendTag(list, 1, protowire.BytesType)
		list = protowire.AppendBytes(list, packed)
	default:
		field = 3
		var packed []byte
		for _, v := range feat.Ints {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		list = protowire.AppendTag(list, 1, protowire.BytesType)
		list = protowire.AppendBytes(list, packed)
	}

	var out []byte
	out = protowire.AppendTag(out, field, protowire.BytesType)
	out = protowire.AppendBytes(out, list)
	return out
}
