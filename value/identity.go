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

package value

import "reflect"

// pointerIdentity returns bytes derived from handle's pointer-shaped
// identity (pointer/map/slice/chan/func), or a fixed sentinel for
// handles with no such identity (host is expected to implement
// Identifiable in that case for correct de-duplication).
func pointerIdentity(handle any) []byte {
	if handle == nil {
		return []byte("<nil>")
	}
	rv := reflect.ValueOf(handle)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return le64(uint64(rv.Pointer()))
	default:
		return []byte(rv.Type().String())
	}
}
