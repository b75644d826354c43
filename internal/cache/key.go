// Package cache persists OCR results keyed by a stable hash of document identity and page set.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Lllllllleong/pdfocrflow/internal/models"
)

// HashKey derives the cache key for a set of pages of a document. The page list is sorted before
// hashing, so the same set always yields the same key regardless of caller order.
func HashKey(id models.DocumentIdentity, pages []int) string {
	sorted := append([]int(nil), pages...)
	sort.Ints(sorted)

	nums := make([]string, len(sorted))
	for i, p := range sorted {
		nums[i] = strconv.Itoa(p)
	}

	canonical := fmt.Sprintf("name=%s\nsize=%d\nmtime=%d\ndigest=%s\npages=%s",
		id.Name, id.Size, id.ModTime.UTC().UnixNano(), id.Digest, strings.Join(nums, ","))
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the hex sha256 digest of raw document bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
