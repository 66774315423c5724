package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Duke-GCB/toil/blobstore"
)

// Create makes the container behind bucket and returns a store bound to it.
// A container that already exists is opened instead.
func Create(ctx context.Context, bucket blobstore.Bucket, opts ...Option) (_ *Store, err error) {
	s, err := New(bucket, opts...)
	if err != nil {
		return nil, err
	}
	ctx, span := s.tel.start(ctx, "CreateStore", "")
	defer func() { end(span, err) }()

	err = bucket.Create(ctx)
	if errors.Is(err, blobstore.ErrBucketExists) {
		s.log.Debug("Container already exists, opening it")
		err = bucket.Open(ctx)
	}
	if err != nil {
		return nil, &BackendUnavailableError{Op: "create store", ID: bucket.Name(), Err: err}
	}
	s.log.Info("Created job store")
	return s, nil
}

// Open binds a store to an existing container, creating it when it is missing.
func Open(ctx context.Context, bucket blobstore.Bucket, opts ...Option) (_ *Store, err error) {
	s, err := New(bucket, opts...)
	if err != nil {
		return nil, err
	}
	ctx, span := s.tel.start(ctx, "OpenStore", "")
	defer func() { end(span, err) }()

	err = bucket.Open(ctx)
	if errors.Is(err, blobstore.ErrBucketNotFound) {
		s.log.Debug("Container not found, creating it")
		err = bucket.Create(ctx)
		if errors.Is(err, blobstore.ErrBucketExists) {
			err = nil
		}
	}
	if err != nil {
		return nil, &BackendUnavailableError{Op: "open store", ID: bucket.Name(), Err: err}
	}
	return s, nil
}

// Destroy deletes every object and then the container. A listing may lag
// behind deletes, so the whole cycle is repeated under the store's retry
// policy until the container is gone. Destroying a missing container
// succeeds.
func (s *Store) Destroy(ctx context.Context) (err error) {
	ctx, span := s.tel.start(ctx, "Destroy", "")
	defer func() { end(span, err) }()

	retry := s.retry
	onRetry := retry.OnRetry
	retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.log.WithError(err).WithField("attempt", attempt).Warnf("Failed to destroy job store, retrying in %s", wait)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}

	if err = retry.Do(ctx, s.destroyOnce); err != nil {
		return err
	}
	s.log.Info("Destroyed job store")
	s.notify(ctx, EventStoreDestroyed, s.bucket.Name(), nil)
	return nil
}

func (s *Store) destroyOnce(ctx context.Context) error {
	s.tel.count(ctx, s.tel.destroyAttempts, 1)

	var keys []string
	for info, err := range s.bucket.List(ctx, "") {
		if errors.Is(err, blobstore.ErrBucketNotFound) {
			return nil
		}
		if err != nil {
			return classify("list", s.bucket.Name(), err)
		}
		keys = append(keys, info.Key)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.deleteConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			err := s.bucket.Delete(gctx, key)
			if err == nil || errors.Is(err, blobstore.ErrNotFound) {
				return nil
			}
			return classify("delete", key, err)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	err := s.bucket.Destroy(ctx)
	if err == nil || errors.Is(err, blobstore.ErrBucketNotFound) {
		return nil
	}
	return fmt.Errorf("failed to delete container %s: %w", s.bucket.Name(), err)
}
