// Package violation defines the persisted domain of the pipeline: findings
// returned by the classifier, the records stored for them, and the storage
// contracts (dedup ledger and finding store) implemented by memstore,
// sqlitestore and pgstore.
package violation
