// Package wire renders domain responses into the S3 XML wire format and
// parses the XML request bodies the dispatcher accepts. The response
// shapes are a closed set; each maps to one typed document below, and
// values outside the set render as an empty body.
package wire

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/yadazula/s3emulator/internal/types"
)

// Namespace is the default namespace of every namespaced document.
const Namespace = "http://s3.amazonaws.com/doc/2006-03-01/"

// creationDateFormat is the bucket-list timestamp layout.
const creationDateFormat = "2006-01-02T15:04:05.000Z"

type owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

// The emulator has a single static owner; authentication is not modeled.
var staticOwner = owner{ID: "id", DisplayName: "name"}

type bucketEntry struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

type bucketListing struct {
	Bucket []bucketEntry `xml:"Bucket"`
}

type listAllMyBucketsResult struct {
	XMLName xml.Name      `xml:"ListAllMyBucketsResult"`
	Xmlns   string        `xml:"xmlns,attr"`
	Owner   owner         `xml:"Owner"`
	Buckets bucketListing `xml:"Buckets"`
}

type contents struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
	Owner        owner  `xml:"Owner"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

type listBucketResult struct {
	XMLName        xml.Name       `xml:"ListBucketResult"`
	Xmlns          string         `xml:"xmlns,attr"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Marker         string         `xml:"Marker"`
	NextMarker     string         `xml:"NextMarker,omitempty"`
	MaxKeys        int            `xml:"MaxKeys"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []contents     `xml:"Contents"`
	CommonPrefixes []commonPrefix `xml:"CommonPrefixes"`
}

type errorResult struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestID string   `xml:"RequestId"`
	HostID    string   `xml:"HostId"`
}

type deletedEntry struct {
	Key string `xml:"Key"`
}

type deleteResult struct {
	XMLName xml.Name       `xml:"DeleteResult"`
	Xmlns   string         `xml:"xmlns,attr"`
	Deleted []deletedEntry `xml:"Deleted"`
}

// accessControlPolicy is the fixed ACL document: full control for the
// static owner.
const accessControlPolicy = `<?xml version="1.0"?>
<AccessControlPolicy xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Owner>
    <ID>id</ID>
    <DisplayName>name</DisplayName>
  </Owner>
  <AccessControlList>
    <Grant>
      <Grantee xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xsi:type="CanonicalUser">
        <ID>id</ID>
        <DisplayName>name</DisplayName>
      </Grantee>
      <Permission>FULL_CONTROL</Permission>
    </Grant>
  </AccessControlList>
</AccessControlPolicy>`

// Marshal renders v into its XML document, without an XML declaration.
// Values with no mapped document marshal to an empty body so the
// dispatcher can answer operations it accepts but does not model.
func Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []types.Bucket:
		return xml.Marshal(buildBucketList(t))
	case *types.SearchResponse:
		return xml.Marshal(buildListBucketResult(t))
	case types.BucketNotFound:
		return xml.Marshal(errorResult{
			Code:      "NoSuchBucket",
			Message:   "The specified bucket does not exist",
			Resource:  t.BucketName,
			RequestID: "1",
			HostID:    "1",
		})
	case types.DeleteResult:
		return xml.Marshal(buildDeleteResult(t))
	case types.ACLPolicy:
		return []byte(accessControlPolicy), nil
	default:
		return nil, nil
	}
}

func buildBucketList(buckets []types.Bucket) listAllMyBucketsResult {
	result := listAllMyBucketsResult{Xmlns: Namespace, Owner: staticOwner}
	for _, b := range buckets {
		result.Buckets.Bucket = append(result.Buckets.Bucket, bucketEntry{
			Name:         b.Name,
			CreationDate: b.CreationDate.UTC().Format(creationDateFormat),
		})
	}
	return result
}

func buildListBucketResult(resp *types.SearchResponse) listBucketResult {
	result := listBucketResult{
		Xmlns:       Namespace,
		Name:        resp.BucketName,
		Prefix:      resp.Prefix,
		Marker:      resp.Marker,
		NextMarker:  resp.NextMarker,
		MaxKeys:     resp.MaxKeys,
		IsTruncated: resp.IsTruncated,
	}

	for _, obj := range resp.Objects {
		result.Contents = append(result.Contents, contents{
			Key:          obj.Key,
			LastModified: obj.CreationDate.UTC().Format(time.RFC3339Nano),
			ETag:         fmt.Sprintf("%q", obj.Checksum),
			Size:         obj.Size,
			StorageClass: "STANDARD",
			Owner:        staticOwner,
		})
	}

	for _, prefix := range resp.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: prefix})
	}

	return result
}

func buildDeleteResult(r types.DeleteResult) deleteResult {
	result := deleteResult{Xmlns: Namespace}
	for _, key := range r.Keys {
		result.Deleted = append(result.Deleted, deletedEntry{Key: key})
	}
	return result
}

type deleteRequest struct {
	XMLName xml.Name `xml:"Delete"`
	Objects []struct {
		Key string `xml:"Key"`
	} `xml:"Object"`
}

// ParseDelete decodes a batch-delete request body and returns the named
// keys in document order.
func ParseDelete(r io.Reader) ([]string, error) {
	var req deleteRequest
	if err := xml.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("parse delete request: %w", err)
	}

	keys := make([]string, 0, len(req.Objects))
	for _, obj := range req.Objects {
		keys = append(keys, obj.Key)
	}
	return keys, nil
}
