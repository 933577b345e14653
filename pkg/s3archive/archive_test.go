package s3archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  string
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	blob, _ := io.ReadAll(params.Body)
	f.body = string(blob)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveWebhookWritesBodyUnderProviderPrefix(t *testing.T) {
	putter := &fakePutter{}
	a := newArchiver(putter, "webhook-archive")
	a.now = func() time.Time { return time.Date(2024, 5, 7, 10, 0, 0, 0, time.UTC) }

	key, err := a.ArchiveWebhook(context.Background(), "stripe", []byte(`{"id":"evt_1"}`))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "webhooks/stripe/2024/05/07/"), key)
	assert.True(t, strings.HasSuffix(key, ".json"), key)
	assert.Equal(t, "webhook-archive", aws.ToString(putter.input.Bucket))
	assert.Equal(t, key, aws.ToString(putter.input.Key))
	assert.Equal(t, `{"id":"evt_1"}`, putter.body)
}

func TestArchiveWebhookWrapsErrors(t *testing.T) {
	a := newArchiver(&fakePutter{err: errors.New("access denied")}, "b")
	_, err := a.ArchiveWebhook(context.Background(), "mpesa", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestObjectKeyDefaultsProvider(t *testing.T) {
	a := newArchiver(&fakePutter{}, "b")
	key := a.ObjectKey(" ", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.True(t, strings.HasPrefix(key, "webhooks/unknown/2024/01/02/"), key)
}

func TestNewArchiverRequiresBucket(t *testing.T) {
	_, err := NewArchiver(context.Background(), Config{Region: "us-east-1"})
	assert.Error(t, err)
}
