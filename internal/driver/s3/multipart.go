package s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/canopyfs/canopy/internal/driver"
)

// Presigned part URLs stay valid this long; clients refresh a subset through
// RefreshPartURLs when a transfer outlives them.
const partURLTTL = 2 * time.Hour

const (
	minPartSize = 5 << 20
	maxParts    = 10000
)

// InitMultipart starts a provider multipart upload and presigns a PUT URL
// per planned part.
func (d *Driver) InitMultipart(ctx context.Context, subpath string, init driver.MultipartInit) (*driver.MultipartInitResult, error) {
	const op = "s3.multipart_init"

	key, err := d.objectKey(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	if init.FileSize <= 0 {
		return nil, driver.E(driver.KindValidation, op, subpath, errors.New("fileSize must be positive"))
	}

	partSize := init.PartSize
	if partSize < minPartSize {
		partSize = minPartSize
	}

	count := driver.PlanParts(init.FileSize, partSize)
	if count > maxParts {
		return nil, driver.E(driver.KindValidation, op, subpath,
			fmt.Errorf("%d parts exceed the provider limit of %d, use a larger partSize", count, maxParts))
	}

	uploadID, err := d.core.NewMultipartUpload(ctx, d.bucket, key, minio.PutObjectOptions{})
	if err != nil {
		return nil, classify(op, subpath, err)
	}

	urls, err := d.presignParts(ctx, key, uploadID, seq(1, count))
	if err != nil {
		abortErr := d.core.AbortMultipartUpload(context.WithoutCancel(ctx), d.bucket, key, uploadID)
		if abortErr != nil {
			d.logger.Warn("aborting orphaned multipart upload failed",
				"upload_id", uploadID, "error", abortErr)
		}

		return nil, err
	}

	return &driver.MultipartInitResult{
		UploadID:    uploadID,
		StoragePath: d.subpathOf(key),
		PartSize:    partSize,
		PartCount:   count,
		PartURLs:    urls,
		ExpiresAt:   timeNow().Add(partURLTTL),
	}, nil
}

// CompleteMultipart assembles the object from client-reported part ETags.
func (d *Driver) CompleteMultipart(ctx context.Context, subpath string, complete driver.MultipartComplete) (*driver.PutResult, error) {
	const op = "s3.multipart_complete"

	key, err := d.objectKey(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	if len(complete.Parts) == 0 {
		return nil, driver.E(driver.KindValidation, op, subpath, errors.New("no parts supplied"))
	}

	parts := make([]minio.CompletePart, 0, len(complete.Parts))
	for _, p := range complete.Parts {
		parts = append(parts, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	if _, err := d.core.CompleteMultipartUpload(ctx, d.bucket, key, complete.UploadID, parts,
		minio.PutObjectOptions{}); err != nil {
		return nil, classify(op, subpath, err)
	}

	return &driver.PutResult{StoragePath: d.subpathOf(key)}, nil
}

// AbortMultipart discards a pending upload and its parts.
func (d *Driver) AbortMultipart(ctx context.Context, subpath string, uploadID string) error {
	const op = "s3.multipart_abort"

	key, err := d.objectKey(subpath)
	if err != nil {
		return driver.E(driver.KindValidation, op, subpath, err)
	}

	if err := d.core.AbortMultipartUpload(ctx, d.bucket, key, uploadID); err != nil {
		return classify(op, subpath, err)
	}

	return nil
}

// ListUploads reports pending multipart uploads under a subpath prefix.
func (d *Driver) ListUploads(ctx context.Context, prefix string) ([]driver.UploadInProgress, error) {
	const op = "s3.multipart_list"

	keyPrefix, err := d.objectKey(prefix)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, prefix, err)
	}

	var out []driver.UploadInProgress

	keyMarker, uploadIDMarker := "", ""

	for {
		res, listErr := d.core.ListMultipartUploads(ctx, d.bucket, keyPrefix, keyMarker, uploadIDMarker, "", 1000)
		if listErr != nil {
			return nil, classify(op, prefix, listErr)
		}

		for _, u := range res.Uploads {
			out = append(out, driver.UploadInProgress{
				UploadID:    u.UploadID,
				StoragePath: d.subpathOf(u.Key),
				Initiated:   u.Initiated.UTC(),
			})
		}

		if !res.IsTruncated {
			return out, nil
		}

		keyMarker, uploadIDMarker = res.NextKeyMarker, res.NextUploadIDMarker
	}
}

// ListParts reflects provider-side part state for resume.
func (d *Driver) ListParts(ctx context.Context, subpath string, uploadID string) ([]driver.PartInfo, error) {
	const op = "s3.multipart_parts"

	key, err := d.objectKey(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	var out []driver.PartInfo

	marker := 0

	for {
		res, listErr := d.core.ListObjectParts(ctx, d.bucket, key, uploadID, marker, 1000)
		if listErr != nil {
			return nil, classify(op, subpath, listErr)
		}

		for _, p := range res.ObjectParts {
			out = append(out, driver.PartInfo{
				PartNumber: p.PartNumber,
				Size:       p.Size,
				ETag:       p.ETag,
				Modified:   p.LastModified.UTC(),
			})
		}

		if !res.IsTruncated {
			return out, nil
		}

		marker = res.NextPartNumberMarker
	}
}

// RefreshPartURLs re-presigns PUT URLs for the given part numbers.
func (d *Driver) RefreshPartURLs(ctx context.Context, subpath string, uploadID string, partNumbers []int) ([]driver.PartURL, error) {
	const op = "s3.multipart_refresh"

	key, err := d.objectKey(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	return d.presignParts(ctx, key, uploadID, partNumbers)
}

func (d *Driver) presignParts(ctx context.Context, key, uploadID string, partNumbers []int) ([]driver.PartURL, error) {
	const op = "s3.multipart_presign"

	urls := make([]driver.PartURL, 0, len(partNumbers))

	for _, n := range partNumbers {
		if n < 1 {
			return nil, driver.E(driver.KindValidation, op, key,
				fmt.Errorf("part number %d out of range", n))
		}

		params := url.Values{}
		params.Set("partNumber", strconv.Itoa(n))
		params.Set("uploadId", uploadID)

		u, presignErr := d.client.Presign(ctx, http.MethodPut, d.bucket, key, partURLTTL, params)
		if presignErr != nil {
			return nil, classify(op, key, presignErr)
		}

		urls = append(urls, driver.PartURL{PartNumber: n, URL: d.rewriteHost(u).String()})
	}

	return urls, nil
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}

	return out
}
