package topology

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const DefaultPollInterval = 2500 * time.Millisecond

type PollOptions struct {
	Interval time.Duration

	// BackOff controls the delay between failed fetches.  It is reset after
	// every successful fetch.
	BackOff backoff.BackOff
}

// StartPolling periodically fetches the config of a bucket from one of its
// data nodes and publishes it.  If the bucket has lost every data node, or
// the picked node's connection is closed, the bucket is rebootstrapped from
// the seeds.  Polling stops when the bucket
// is no longer registered or the topology is closed.
func (t *Topology) StartPolling(bucketName string, opts PollOptions) error {
	if t.closed.Load() {
		return ErrTopologyClosed
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	bo := opts.BackOff
	if bo == nil {
		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = interval
		expBackoff.MaxInterval = 10 * interval
		expBackoff.MaxElapsedTime = 0
		bo = expBackoff
	}

	t.pollersWg.Add(1)
	go func() {
		t.pollConfig(bucketName, interval, bo)
		t.pollersWg.Done()
	}()

	return nil
}

func (t *Topology) pollConfig(bucketName string, interval time.Duration, bo backoff.BackOff) {
	logger := t.logger.Named("poller").With(zap.String("bucket", bucketName))
	ctx := t.ctx

	timer := time.NewTimer(interval)
	defer timer.Stop()

PollLoop:
	for {
		select {
		case <-ctx.Done():
			break PollLoop
		case <-timer.C:
		}

		if t.getBucket(bucketName) == nil {
			logger.Debug("bucket no longer registered, stopping polling")
			break PollLoop
		}

		delay := interval
		err := t.pollOnce(bucketName)
		if err != nil {
			if errors.Is(err, ErrBucketNotFound) {
				break PollLoop
			}

			delay = bo.NextBackOff()
			if delay == backoff.Stop {
				logger.Warn("giving up polling after repeated failures", zap.Error(err))
				break PollLoop
			}

			logger.Debug("failed to poll config", zap.Error(err), zap.Duration("delay", delay))
		} else {
			bo.Reset()
		}

		timer.Reset(delay)
	}
}

func (t *Topology) pollOnce(bucketName string) error {
	ctx := t.ctx

	node, err := t.GetRandomNodeForService(ServiceTypeKeyValue, bucketName)
	if err != nil {
		var missingErr *ServiceMissingError
		if errors.As(err, &missingErr) {
			return t.RebootstrapBucket(ctx, bucketName)
		}
		return err
	}

	config, err := node.GetClusterConfig(ctx)
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrNodeClosed) {
			t.logger.Info("lost connection to bucket node, rebootstrapping",
				zap.String("bucket", bucketName),
				zap.Stringer("endpoint", node.Endpoint()),
				zap.Error(err))
			return t.RebootstrapBucket(ctx, bucketName)
		}
		return err
	}

	t.PublishConfig(config)
	return nil
}
