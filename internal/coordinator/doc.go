// Package coordinator keeps a column's primary store and secondary index
// consistent.
//
// Every batch is committed to the primary store first and then routed to
// the index partitions strictly in sequence order. A partition's DurableSeq
// is the highest sequence whose pairs are all sealed; it is persisted in the
// partition manifest. There is no index log: on open, primary records newer
// than a partition's DurableSeq are replayed through the ordinary routing
// path, and a corrupt partition is rebuilt by replaying the whole primary
// store.
package coordinator
