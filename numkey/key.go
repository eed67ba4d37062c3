// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package numkey

// Key is the 128-bit composite B+-tree key (spec 4.3): the upper 96
// bits are a Num96 numeric code, the lower 32 bits are a record ID.
// Ordering by the unsigned pair (Hi, Lo) is equivalent to ordering by
// (value, id), so duplicate values never collide in the tree.
type Key struct {
	Hi uint64 // bits [127:64]: all of Num96.Hi
	Lo uint64 // bits [63:0]: Num96.Lo in the high 32 bits, record ID in the low 32
}

// Compose builds the composite key for (code, id).
func Compose(code Num96, id uint32) Key {
	return Key{
		Hi: code.Hi,
		Lo: uint64(code.Lo)<<32 | uint64(id),
	}
}

// Num96 extracts the numeric portion of k.
func (k Key) Num96() Num96 {
	return Num96{Hi: k.Hi, Lo: uint32(k.Lo >> 32)}
}

// ID extracts the record-ID portion of k.
func (k Key) ID() uint32 { return uint32(k.Lo) }

// Less reports whether k orders before o.
func (k Key) Less(o Key) bool {
	if k.Hi != o.Hi {
		return k.Hi < o.Hi
	}
	return k.Lo < o.Lo
}

// Equal reports whether k and o are bit-identical.
func (k Key) Equal(o Key) bool { return k.Hi == o.Hi && k.Lo == o.Lo }

// Compare returns -1, 0, or 1 as k is less than, equal to, or greater
// than o, matching the conventions of sort/slices comparison funcs.
func (k Key) Compare(o Key) int {
	switch {
	case k.Hi < o.Hi:
		return -1
	case k.Hi > o.Hi:
		return 1
	case k.Lo < o.Lo:
		return -1
	case k.Lo > o.Lo:
		return 1
	default:
		return 0
	}
}

// MinNum96 and MaxNum96 bound the entire numeric code space, letting
// callers express one-sided range queries (Gt/Ge/Lt/Le) in terms of
// the same two-sided Range primitive.
var (
	MinNum96 = Num96{Hi: 0, Lo: 0}
	MaxNum96 = Num96{Hi: ^uint64(0), Lo: ^uint32(0)}
)

// MinKey and MaxKey bound the composite-key space for a given numeric
// code, letting range queries express inclusive/exclusive bounds on
// the *value* without needing to know a specific record ID: MinKey
// pairs code with the lowest possible ID (0), MaxKey with the highest
// (math.MaxUint32).
func MinKey(code Num96) Key { return Compose(code, 0) }
func MaxKey(code Num96) Key { return Compose(code, 0xffffffff) }
