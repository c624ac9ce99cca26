package policy

import (
	"context"
	"os"

	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

// Source supplies the raw bytes of a bundle. String names the source in
// errors and logs.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
	String() string
}

// FileSource reads the bundle from a local file.
type FileSource struct {
	Path string
}

// Read returns the file contents.
func (s FileSource) Read(_ context.Context) ([]byte, error) {
	return os.ReadFile(s.Path)
}

func (s FileSource) String() string { return "file:" + s.Path }

// BytesSource serves a fixed bundle, typically one embedded in a binary.
type BytesSource struct {
	Name string
	Data []byte
}

// Read returns a copy of the data.
func (s BytesSource) Read(_ context.Context) ([]byte, error) {
	return append([]byte(nil), s.Data...), nil
}

func (s BytesSource) String() string {
	if s.Name == "" {
		return "embedded"
	}
	return "embedded:" + s.Name
}

// ObjectReader reads whole objects. *minio.Client from pkg/clients/minio
// satisfies it.
type ObjectReader interface {
	ReadObject(ctx context.Context, bucket, name string) ([]byte, error)
}

// ObjectWriter stores objects. *minio.Client from pkg/clients/minio
// satisfies it.
type ObjectWriter interface {
	EnsureBucket(ctx context.Context, bucket string) error
	WriteObject(ctx context.Context, bucket, name string, data []byte, contentType string) error
}

// ObjectSource reads the bundle from an object store.
type ObjectSource struct {
	Store  ObjectReader
	Bucket string
	Object string
}

// Read fetches the object.
func (s ObjectSource) Read(ctx context.Context) ([]byte, error) {
	if s.Store == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "policy: object source has no store")
	}
	return s.Store.ReadObject(ctx, s.Bucket, s.Object)
}

func (s ObjectSource) String() string {
	return "s3://" + s.Bucket + "/" + s.Object
}

// Publish validates data as a bundle and writes it to bucket/object,
// creating the bucket when missing. Invalid bundles are never written.
func Publish(ctx context.Context, w ObjectWriter, bucket, object string, data []byte) error {
	dest := ObjectSource{Bucket: bucket, Object: object}.String()
	if err := ValidateBundle(data, dest); err != nil {
		return err
	}
	if err := w.EnsureBucket(ctx, bucket); err != nil {
		return err
	}
	return w.WriteObject(ctx, bucket, object, data, "application/json")
}
