// Package id generates the time-ordered identifiers assigned to queue
// messages. Byte order of two IDs matches their creation order within a
// process, so IDs double as stable tiebreakers in storage keys.
package id
