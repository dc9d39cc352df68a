package archive_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/mailtx/internal/archive"
	"github.com/dvloznov/mailtx/internal/domain"
)

type MockStore struct {
	PutFunc  func(ctx context.Context, object string, data []byte, contentType string) (string, error)
	OpenFunc func(ctx context.Context, uri string) (io.ReadCloser, error)
	objects  map[string][]byte
}

func (m *MockStore) Put(ctx context.Context, object string, data []byte, contentType string) (string, error) {
	if m.PutFunc != nil {
		return m.PutFunc(ctx, object, data, contentType)
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[object] = data
	return "gs://bucket/" + object, nil
}

func (m *MockStore) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	return m.OpenFunc(ctx, uri)
}

func TestParseURI(t *testing.T) {
	bucket, object, err := archive.ParseURI("gs://mail-archive/replay/2024/inbox.mbox")
	require.NoError(t, err)
	assert.Equal(t, "mail-archive", bucket)
	assert.Equal(t, "replay/2024/inbox.mbox", object)

	for _, bad := range []string{"s3://b/o", "gs://bucket", "gs://bucket/", "/tmp/x.mbox"} {
		_, _, err := archive.ParseURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestFilenameFromURI(t *testing.T) {
	assert.Equal(t, "inbox.mbox", archive.FilenameFromURI("gs://bucket/folder/inbox.mbox"))
	assert.Equal(t, "bucket", archive.FilenameFromURI("gs://bucket"))
}

func TestFailuresArchivesEachDescriptor(t *testing.T) {
	st := &MockStore{}
	in := []domain.FailureDescriptor{
		{MessageID: "<abc/1@mail.example.com>", Subject: "Your receipt", Reason: "no transaction number"},
		{Subject: "Newsletter", Reason: "no parser"},
	}

	out := archive.Failures(context.Background(), st, "failures", "run-1", in)

	require.Len(t, out, 2)
	assert.Equal(t, "gs://bucket/failures/run-1/0000-abc_1_mail.example.com.json", out[0].ArchiveURI)
	assert.Equal(t, "gs://bucket/failures/run-1/0001-no-message-id.json", out[1].ArchiveURI)
	// The input is left untouched.
	assert.Empty(t, in[0].ArchiveURI)

	var stored domain.FailureDescriptor
	require.NoError(t, json.Unmarshal(st.objects["failures/run-1/0000-abc_1_mail.example.com.json"], &stored))
	assert.Equal(t, "no transaction number", stored.Reason)
}

func TestFailuresIsBestEffort(t *testing.T) {
	calls := 0
	st := &MockStore{PutFunc: func(_ context.Context, object string, _ []byte, contentType string) (string, error) {
		calls++
		assert.Equal(t, "application/json", contentType)
		if calls == 1 {
			return "", errors.New("permission denied")
		}
		return "gs://bucket/" + object, nil
	}}

	out := archive.Failures(context.Background(), st, "", "run-2", []domain.FailureDescriptor{
		{MessageID: "a"}, {MessageID: "b"},
	})
	assert.Empty(t, out[0].ArchiveURI)
	assert.Equal(t, "gs://bucket/run-2/0001-b.json", out[1].ArchiveURI)
}

func TestLoaderRoutesByScheme(t *testing.T) {
	st := &MockStore{OpenFunc: func(_ context.Context, uri string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("remote:" + uri)), nil
	}}
	local := func(_ context.Context, uri string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("local:" + uri)), nil
	}
	load := archive.Loader(st, local)

	read := func(uri string) string {
		rc, err := load(context.Background(), uri)
		require.NoError(t, err)
		defer rc.Close()
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		return string(b)
	}
	assert.Equal(t, "remote:gs://b/x.mbox", read("gs://b/x.mbox"))
	assert.Equal(t, "local:/tmp/x.mbox", read("/tmp/x.mbox"))

	// Without a store everything is local.
	rc, err := archive.Loader(nil, local)(context.Background(), "gs://b/x.mbox")
	require.NoError(t, err)
	rc.Close()
}
