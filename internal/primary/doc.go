// Package primary implements the key-to-value store that is the source of
// truth for a column.
//
// Every committed batch gets the next sequence number. Values are stored as
// envelopes carrying that sequence number together with the record's tag and
// reducer payload, so index pairs can be re-derived from the primary store
// alone. The last committed sequence number is written in the same atomic
// backend batch as the data.
package primary
