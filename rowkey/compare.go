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

package rowkey

import "bytes"

// Compare orders two encoded keys. Because Encode guarantees plain
// byte order equals the configured SQL order, comparison never needs
// to know the schema again; this is what lets package losertree and
// package pck treat keys as opaque []byte.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Equal reports whether two encoded keys are byte-identical, i.e.
// equal under every key column's ordering. Used by joinop to detect
// equality-range boundaries during the merge.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}
