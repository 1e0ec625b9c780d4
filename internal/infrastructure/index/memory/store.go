package memory

// Store is the durable backing of an in-memory index. Records are written
// through on every change and replayed on startup.
type Store interface {
	Put(bucket, key string, value []byte) error
	Delete(bucket, key string) error
	ForEach(bucket string, fn func(key, value []byte) error) error
}

const (
	vectorBucket  = "vectors"
	lexicalBucket = "lexical"
)

func recordKey(ownerID, chunkID string) string {
	return ownerID + "\x00" + chunkID
}
