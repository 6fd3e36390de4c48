// Package bucketing maps account emails and audit identities onto stable
// partition buckets for Scylla and ClickHouse.
package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

type BucketingManager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(userBuckets, eventBuckets int) *BucketingManager {
	if userBuckets <= 0 {
		userBuckets = 256
	}
	if eventBuckets <= 0 {
		eventBuckets = 64
	}
	bm := &BucketingManager{
		userBuckets:  userBuckets,
		eventBuckets: eventBuckets,
	}

	// Pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// UserBucket returns the consistent bucket for an account key (0 to userBuckets-1)
func (bm *BucketingManager) UserBucket(key string) int {
	return bm.getBucket(key, bm.userBuckets)
}

// EventBucket returns the bucket for audit events of an identity
func (bm *BucketingManager) EventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// DateBucket returns the UTC day partition for t
func DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) UserBuckets() int {
	return bm.userBuckets
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
