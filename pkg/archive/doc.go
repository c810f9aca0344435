// Package archive provides an optional S3 sink for accepted events.
//
// The broker is deliberately side-channel-free: everything it knows
// about a message goes through its MessageStore. Archival therefore
// attaches as a store decorator rather than a broker hook:
//
//	inner, _ := store.NewSQLiteStore(path)
//	arch := archive.New(s3Client, &archive.Config{Bucket: "parley-events"})
//	defer arch.Close()
//
//	b := broker.New(archive.NewStore(inner, arch), nil)
//
// Entries are buffered in memory and uploaded as date-partitioned JSONL
// objects when the batch fills or the flush interval elapses. Uploads
// are retried on the next flush; archival is best-effort and never
// affects message acceptance.
package archive
