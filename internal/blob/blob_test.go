package blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyPartitionsByMonth(t *testing.T) {
	now := time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC)
	key := NewKey(now, "image/png")
	assert.True(t, strings.HasPrefix(key, "2025/03/"))
	assert.True(t, strings.HasSuffix(key, ".png"))
	assert.NotContains(t, NewKey(now, "not a type"), ".")
}

func TestFSRoundTrip(t *testing.T) {
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	obj, err := store.Store(ctx, []byte("hello"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, int64(5), obj.Size)

	data, err := store.Fetch(ctx, obj.URL)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFSFetchRejectsUnknownAndTraversal(t *testing.T) {
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	for _, url := range []string{"file+blob://2025/01/missing.txt", "file+blob://../etc/passwd", "https://x/y"} {
		_, err := store.Fetch(ctx, url)
		assert.ErrorIs(t, err, ErrNotFound, url)
	}
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(in.Body)
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3StoreAndFetch(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	store := &S3{Client: fake, Opts: S3Options{Bucket: "art", Prefix: "tasks"}, Now: time.Now}
	ctx := context.Background()

	obj, err := store.Store(ctx, []byte("<svg/>"), "image/svg+xml")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(obj.URL, "s3://art/tasks/"))
	assert.Contains(t, fake.objects, obj.Key)

	data, err := store.Fetch(ctx, obj.URL)
	require.NoError(t, err)
	assert.Equal(t, "<svg/>", string(data))

	_, err = store.Fetch(ctx, "s3://art/tasks/none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3PublicBaseURL(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	store := &S3{Client: fake, Opts: S3Options{Bucket: "art", PublicBaseURL: "https://cdn.example.com/"}, Now: time.Now}
	obj, err := store.Store(context.Background(), []byte("x"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/"+obj.Key, obj.URL)
	_, err = store.Fetch(context.Background(), obj.URL)
	require.NoError(t, err)
}
