package bucketing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBucketsAreStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(16, 8)

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("user%d@example.com", i)
		b := bm.UserBucket(key)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		assert.Equal(t, b, bm.UserBucket(key))

		e := bm.EventBucket(key)
		assert.GreaterOrEqual(t, e, 0)
		assert.Less(t, e, 8)
	}
}

func TestDefaults(t *testing.T) {
	bm := NewBucketingManager(0, -1)
	assert.Equal(t, 256, bm.UserBuckets())
	assert.Equal(t, 64, bm.EventBuckets())
}

func TestDateBucket(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	assert.Equal(t, "2024-03-01", DateBucket(time.Date(2024, 3, 2, 2, 0, 0, 0, loc)))
}
