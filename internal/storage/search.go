package storage

import (
	"context"
	"strings"

	"github.com/yadazula/s3emulator/internal/types"
)

// Search lists a bucket one page at a time. Keys matching the prefix
// arrive in ascending order from QueryObjects; keys whose remainder
// after the prefix contains the delimiter collapse into a common prefix
// (one entry per distinct group, first-seen order). Objects and groups
// together count against MaxKeys; when candidates remain past the cap
// the response is marked truncated with NextMarker set to the last key
// consumed into the page. Group members are contiguous in key order, so
// resuming from that marker starts exactly at the entry that overflowed
// the page.
func (s *SQLiteStorage) Search(ctx context.Context, req *types.SearchRequest) (*types.SearchResponse, error) {
	maxKeys := req.MaxKeys
	if maxKeys <= 0 {
		maxKeys = types.DefaultMaxKeys
	}

	resp := &types.SearchResponse{
		BucketName: req.BucketName,
		Prefix:     req.Prefix,
		Delimiter:  req.Delimiter,
		Marker:     req.Marker,
		MaxKeys:    maxKeys,
	}

	bucket, err := s.GetBucket(ctx, req.BucketName)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		return resp, nil
	}

	var (
		grouped   = make(map[string]struct{})
		count     int
		lastKey   string
		truncated bool
	)

	err = s.QueryObjects(ctx, req.BucketName, req.Prefix, req.Marker, func(obj *types.Object) bool {
		if req.Delimiter != "" {
			rest := obj.Key[len(req.Prefix):]
			if i := strings.Index(rest, req.Delimiter); i >= 0 {
				prefix := req.Prefix + rest[:i+len(req.Delimiter)]
				if _, ok := grouped[prefix]; ok {
					// Another member of an already-returned group.
					lastKey = obj.Key
					return true
				}
				if count == maxKeys {
					truncated = true
					return false
				}
				grouped[prefix] = struct{}{}
				resp.CommonPrefixes = append(resp.CommonPrefixes, prefix)
				count++
				lastKey = obj.Key
				return true
			}
		}

		if count == maxKeys {
			truncated = true
			return false
		}
		resp.Objects = append(resp.Objects, *obj)
		count++
		lastKey = obj.Key
		return true
	})
	if err != nil {
		return nil, err
	}

	if truncated {
		resp.IsTruncated = true
		resp.NextMarker = lastKey
	}

	return resp, nil
}
