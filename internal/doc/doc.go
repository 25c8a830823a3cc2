// Package doc provides the recursive document value used for entity payloads.
//
// A Value is one of Null, Bool, Int, Float, String, Array or Object. The set is
// sealed: no other type implements Value, so every payload that crosses the
// store boundary has a known JSON shape.
//
// Key properties:
//   - Object iteration is always by SortedKeys (RFC 8785 UTF-16 order)
//   - Equal compares structurally; Int(1) and Float(1) are the same number
//   - MarshalCanonical is the only encoding used for digests
//
// doc imports nothing internal.
package doc
