/*
 * Copyright 2020 Saffat Technologies, Ltd.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package storelog

// Codec converts a record to and from its on-disk byte representation.
// FileLog is generic over the record type T, but Go generics cannot express
// "T has an UnmarshalBinary method on its pointer receiver" directly, so the
// caller supplies a small Codec value instead of relying on an
// encoding.BinaryMarshaler/Unmarshaler type constraint.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// BinaryCodec adapts any type implementing MarshalBinary/UnmarshalBinary
// (called on *T) into a Codec[T].
type BinaryCodec[T any, PT interface {
	*T
	UnmarshalBinary([]byte) error
}] struct {
	marshal func(T) ([]byte, error)
}

// NewBinaryCodec builds a BinaryCodec from a MarshalBinary-shaped function,
// typically T.MarshalBinary via a method value or a small closure.
func NewBinaryCodec[T any, PT interface {
	*T
	UnmarshalBinary([]byte) error
}](marshal func(T) ([]byte, error)) BinaryCodec[T, PT] {
	return BinaryCodec[T, PT]{marshal: marshal}
}

// Encode delegates to the wrapped marshal function.
func (c BinaryCodec[T, PT]) Encode(v T) ([]byte, error) {
	return c.marshal(v)
}

// Decode allocates a zero T, decodes into it through its pointer receiver,
// and returns the populated value.
func (c BinaryCodec[T, PT]) Decode(data []byte) (T, error) {
	var v T
	if err := PT(&v).UnmarshalBinary(data); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
