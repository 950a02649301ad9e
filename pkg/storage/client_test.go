package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/diskprov/pkg/errors"
)

type fakeS3 struct {
	objects map[string][]byte
	gotKey  string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gotKey = aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	data, ok := f.objects[f.gotKey]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestFetch(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"defaults/req.yaml": []byte("disk: 1"),
		"other/req.yaml":    []byte("disk: 2"),
		"defaults/huge":     bytes.Repeat([]byte("x"), MaxDocumentSize+1),
	}}
	c := &Client{s3Client: fake, bucket: "defaults"}
	ctx := context.Background()

	data, err := c.Fetch(ctx, "", "req.yaml")
	require.NoError(t, err)
	assert.Equal(t, "disk: 1", string(data))
	assert.Equal(t, "defaults/req.yaml", fake.gotKey)

	data, err = c.Fetch(ctx, "other", "req.yaml")
	require.NoError(t, err)
	assert.Equal(t, "disk: 2", string(data))

	_, err = c.Fetch(ctx, "", "missing")
	assert.Error(t, err)

	_, err = c.Fetch(ctx, "", "huge")
	assert.Error(t, err)

	_, err = (&Client{s3Client: fake}).Fetch(ctx, "", "req.yaml")
	assert.Error(t, err)
}
