// Package body implements the nested frame grammar for message bodies
// and its structural validator.
//
// A body is a tree of typed, length-prefixed frames:
//
//	┌──────────────┬──────────────┬────────────────────┐
//	│ Type         │ Length       │ Body               │
//	│ (varint)     │ (varint)     │ (length bytes)     │
//	└──────────────┴──────────────┴────────────────────┘
//
// Sibling frames are laid out back to back inside their parent's body.
// Containment is fixed by the grammar:
//
//	Frame       Code  May contain
//	Message     0     Paragraph
//	Paragraph   1     Text, PushFormat, PopFormat, Hyperlink, Mention
//	Text        2     leaf: UTF-8 bytes
//	PushFormat  3     leaf: 2-byte format bitset
//	PopFormat   4     leaf: 2-byte format bitset
//	Hyperlink   5     leaf: varint label length, label, ASCII URL
//	Mention     6     leaf: varint user id
//
// The root frame must be a Message. Validate walks the tree by
// recursive descent, rejecting structural violations without touching
// any shared state; a rejected body never reaches persistence or
// fan-out.
package body
