package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/nats-io/nats.go/jetstream"

	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
)

// objectBucket is the subset of jetstream.ObjectStore used by NATSStore.
type objectBucket interface {
	Put(ctx context.Context, meta jetstream.ObjectMeta, reader io.Reader) (*jetstream.ObjectInfo, error)
	Get(ctx context.Context, name string, opts ...jetstream.GetObjectOpt) (jetstream.ObjectResult, error)
}

// NATSStore stores each artifact as one gzipped tar object in a JetStream object store.
type NATSStore struct {
	bucket objectBucket
}

// NewNATSStore wraps an object store bucket.
func NewNATSStore(bucket jetstream.ObjectStore) *NATSStore {
	return &NATSStore{bucket: bucket}
}

func (s *NATSStore) Publish(ctx context.Context, name, srcPath string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := writeTarGz(&buf, srcPath); err != nil {
		return foundationerrors.FileSystemError("failed to archive artifact").
			WithCause(err).
			WithContext("artifact", name).
			WithContext("path", srcPath).
			Build()
	}
	meta := jetstream.ObjectMeta{
		Name:        name,
		Description: "docpipe artifact",
		Headers:     map[string][]string{"Content-Type": {"application/gzip"}},
	}
	if _, err := s.bucket.Put(ctx, meta, &buf); err != nil {
		return foundationerrors.ExternalActionFailure("failed to upload artifact").
			WithCause(err).
			WithContext("artifact", name).
			Build()
	}
	return nil
}

func (s *NATSStore) Fetch(ctx context.Context, name, destPath string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	obj, err := s.bucket.Get(ctx, name)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return foundationerrors.NotFoundError("artifact not found").
			WithContext("artifact", name).
			Build()
	}
	if err != nil {
		return foundationerrors.ExternalActionFailure("failed to download artifact").
			WithCause(err).
			WithContext("artifact", name).
			Build()
	}
	defer func() { _ = obj.Close() }()

	if err := extractTarGz(obj, destPath); err != nil {
		return foundationerrors.FileSystemError("failed to unpack artifact").
			WithCause(err).
			WithContext("artifact", name).
			WithContext("path", destPath).
			Build()
	}
	return nil
}
