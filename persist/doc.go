// Package persist provides a BadgerDB-backed ledger for message records.
//
// A BadgerStore is installed on the in-memory messaging.Store with
// SetPersister; every committed mutation is written through as a JSON
// record under the key msg/{messageID}. At startup LoadAll returns the
// ledger so the relay can restore its view and resume delivery of
// outbound messages that were never acknowledged.
package persist
