package repository

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/convergent/chatservice/pkg/api"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	imageFolder         = "image"
	downloadTokenKey    = "firebaseStorageDownloadTokens"
	firebaseDownloadUrl = "https://firebasestorage.googleapis.com/v0/b/"
)

// objectName returns a fresh name for an upload of contentType.
func objectName(contentType string) (string, error) {
	ext, ok := api.ImageExtensions[contentType]
	if !ok {
		return "", api.Validation(fmt.Sprintf("content type %q is not allowed", contentType))
	}
	return imageFolder + "/" + uuid.NewString() + "." + ext, nil
}

type firebaseBlobStore struct {
	bucket     *gcs.BucketHandle
	bucketName string
}

// NewFirebaseBlobStore stores uploads in a Firebase Storage bucket and hands
// out token download URLs, the same URLs Firebase clients produce.
func NewFirebaseBlobStore(bucket *gcs.BucketHandle, bucketName string) api.BlobStore {
	return &firebaseBlobStore{bucket: bucket, bucketName: bucketName}
}

func (f *firebaseBlobStore) Store(ctx context.Context, data []byte, contentType string) (string, error) {
	name, err := objectName(contentType)
	if err != nil {
		return "", err
	}
	token := uuid.NewString()

	w := f.bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{downloadTokenKey: token}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", api.Transient("uploading "+name, err)
	}
	if err := w.Close(); err != nil {
		return "", api.Transient("uploading "+name, err)
	}
	return firebaseDownloadUrl + f.bucketName + "/o/" + url.PathEscape(name) + "?alt=media&token=" + token, nil
}

// Delete removes the object behind a download URL. An object that is already
// gone is not an error.
func (f *firebaseBlobStore) Delete(ctx context.Context, downloadUrl string) error {
	name, err := ObjectFromDownloadURL(downloadUrl, f.bucketName)
	if err != nil {
		return err
	}
	err = f.bucket.Object(name).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	if err != nil {
		return api.Transient("deleting "+name, err)
	}
	return nil
}

// ObjectFromDownloadURL extracts the object name from a Firebase Storage
// download URL of the form
// https://firebasestorage.googleapis.com/v0/b/<bucket>/o/<escaped name>?<params>.
func ObjectFromDownloadURL(downloadUrl string, bucketName string) (string, error) {
	u, err := url.Parse(downloadUrl)
	if err != nil {
		return "", api.Validation("invalid download url: " + err.Error())
	}
	prefix := "/v0/b/" + bucketName + "/o/"
	escaped := u.EscapedPath()
	if !strings.HasPrefix(escaped, prefix) {
		return "", api.Validation(fmt.Sprintf("download url %s is not in bucket %s", downloadUrl, bucketName))
	}
	name, err := url.PathUnescape(strings.TrimPrefix(escaped, prefix))
	if err != nil || name == "" {
		return "", api.Validation("invalid object name in " + downloadUrl)
	}
	return name, nil
}

type s3BlobStore struct {
	client  *s3.Client
	bucket  string
	baseUrl string
}

// NewS3BlobStore stores uploads in an S3 bucket. Objects are addressed as
// baseUrl/<key>; baseUrl defaults to the bucket's virtual-hosted endpoint.
func NewS3BlobStore(client *s3.Client, bucket string, region string, baseUrl string) api.BlobStore {
	if baseUrl == "" {
		baseUrl = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
	}
	return &s3BlobStore{client: client, bucket: bucket, baseUrl: strings.TrimRight(baseUrl, "/")}
}

func (s *s3BlobStore) Store(ctx context.Context, data []byte, contentType string) (string, error) {
	key, err := objectName(contentType)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   &contentType,
	})
	if err != nil {
		return "", api.Transient("s3store: put object", err)
	}
	return s.baseUrl + "/" + key, nil
}

func (s *s3BlobStore) Delete(ctx context.Context, objectUrl string) error {
	if !strings.HasPrefix(objectUrl, s.baseUrl+"/") {
		return api.Validation(fmt.Sprintf("url %s is not in bucket %s", objectUrl, s.bucket))
	}
	key := strings.TrimPrefix(objectUrl, s.baseUrl+"/")
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return api.Transient("s3store: delete object", err)
	}
	return nil
}
