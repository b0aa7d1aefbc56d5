package common

// LogStore is the append-only log the transaction layer writes through.
// Positions and sizes it returns are opaque to callers.
type LogStore interface {
	Append(rec *LogRecord) (LSN, uint32, error)
	Read(lsn LSN) (LogRecord, error)
	// Obsolete charges the version at lsn as reclaimable space.
	Obsolete(lsn LSN, size uint32)
	Sync() error
}

// RecordStore holds the current version of each record. Deleted records
// stay as tombstone versions until Delete removes the slot.
type RecordStore interface {
	Get(id RecordID) (Version, bool)
	Put(id RecordID, v Version)
	Delete(id RecordID)
}
