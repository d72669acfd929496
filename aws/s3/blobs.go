// Copyright 2024 The Ingester Authors.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

// Package s3 provides a leveldb.BlobStore which archives attachment
// contents to an S3 bucket.
package s3

import (
	"context"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/jcu-dc24/ingester"
	"github.com/jcu-dc24/ingester/leveldb"
	"github.com/pkg/errors"
)

// BlobOption is a functional option type for Blobs.
type BlobOption func(b *Blobs)

// OptBlobRegion is a BlobOption which sets the AWS region.
func OptBlobRegion(region string) BlobOption {
	return func(b *Blobs) {
		b.config.Region = aws.String(region)
	}
}

// OptBlobPrefix is a BlobOption which places every blob under prefix in
// the bucket.
func OptBlobPrefix(prefix string) BlobOption {
	return func(b *Blobs) {
		b.prefix = prefix
	}
}

// OptBlobEndpoint is a BlobOption which points the client at an S3
// compatible endpoint other than AWS, using path style addressing.
func OptBlobEndpoint(endpoint string) BlobOption {
	return func(b *Blobs) {
		b.config.Endpoint = aws.String(endpoint)
		b.config.S3ForcePathStyle = aws.Bool(true)
	}
}

// OptBlobStaticCredentials is a BlobOption which uses fixed credentials
// instead of the default credential chain.
func OptBlobStaticCredentials(id, secret string) BlobOption {
	return func(b *Blobs) {
		b.config.Credentials = credentials.NewStaticCredentials(id, secret, "")
	}
}

// Blobs is a leveldb.BlobStore which keeps blobs as objects in an S3
// bucket.
type Blobs struct {
	bucket string
	prefix string
	config *aws.Config

	s3       *s3.S3
	uploader *s3manager.Uploader
}

var _ leveldb.BlobStore = &Blobs{}

// NewBlobs returns Blobs for bucket with the options applied.
func NewBlobs(bucket string, opts ...BlobOption) (*Blobs, error) {
	b := &Blobs{
		bucket: bucket,
		config: &aws.Config{Region: aws.String("us-east-1")},
	}
	for _, opt := range opts {
		opt(b)
	}
	sess, err := session.NewSession(b.config)
	if err != nil {
		return nil, errors.Wrap(err, "getting new session")
	}
	b.s3 = s3.New(sess)
	b.uploader = s3manager.NewUploaderWithClient(b.s3)
	return b, nil
}

func (b *Blobs) key(key string) *string {
	return aws.String(path.Join(b.prefix, key))
}

// Put implements leveldb.BlobStore.
func (b *Blobs) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(key),
		Body:   r,
	})
	return errors.Wrapf(err, "uploading %v", key)
}

// Get implements leveldb.BlobStore.
func (b *Blobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := b.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, errors.Wrapf(ingester.ErrNotFound, "blob %v", key)
		}
		return nil, errors.Wrapf(err, "fetching %v", key)
	}
	return result.Body, nil
}

// Delete implements leveldb.BlobStore.
func (b *Blobs) Delete(ctx context.Context, key string) error {
	_, err := b.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(key),
	})
	return errors.Wrapf(err, "deleting %v", key)
}
