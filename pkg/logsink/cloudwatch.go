package logsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

const (
	resourceAlreadyExistsCode = "ResourceAlreadyExistsException"
	resourceNotFoundCode      = "ResourceNotFoundException"

	// PutLogEvents limits. Every event costs perEventBytes on top of its message.
	perEventBytes          = 26
	maximumBytesPerPut     = 1048576
	maximumLogEventsPerPut = 10000
	maximumBytesPerEvent   = 262144 - perEventBytes

	defaultFlushInterval = 5 * time.Second
	defaultBufferSize    = 1024
	putTimeout           = 30 * time.Second

	truncatedSuffix = "...[truncated]"
)

// CloudWatchAPI is the subset of the CloudWatch Logs client the sink uses
type CloudWatchAPI interface {
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchSink writes each entry as a JSON event to a CloudWatch Logs
// stream. Log only buffers; a background goroutine publishes the buffered
// events in batches every flush interval, when a batch is full, and on Close.
type CloudWatchSink struct {
	client        CloudWatchAPI
	group         string
	stream        string
	logger        *zap.Logger
	now           func() time.Time
	flushInterval time.Duration

	mu     sync.RWMutex
	closed bool
	events chan types.InputLogEvent
	done   chan struct{}

	// owned by the collecting goroutine
	created bool
}

// CloudWatchOption configures a CloudWatchSink
type CloudWatchOption func(*CloudWatchSink)

// WithFlushInterval sets how often buffered events are published
func WithFlushInterval(d time.Duration) CloudWatchOption {
	return func(s *CloudWatchSink) { s.flushInterval = d }
}

// WithBufferSize sets how many events may wait for publication. Entries
// logged while the buffer is full are dropped.
func WithBufferSize(n int) CloudWatchOption {
	return func(s *CloudWatchSink) { s.events = make(chan types.InputLogEvent, n) }
}

// NewCloudWatchSink creates a sink with the default AWS credential chain
func NewCloudWatchSink(ctx context.Context, region, group, stream string, logger *zap.Logger, opts ...CloudWatchOption) (*CloudWatchSink, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewCloudWatchSinkFromClient(cloudwatchlogs.NewFromConfig(cfg), group, stream, logger, opts...), nil
}

// NewCloudWatchSinkFromClient creates a sink on an existing client and
// starts publishing. Close flushes and stops it.
func NewCloudWatchSinkFromClient(client CloudWatchAPI, group, stream string, logger *zap.Logger, opts ...CloudWatchOption) *CloudWatchSink {
	s := &CloudWatchSink{
		client:        client,
		group:         group,
		stream:        stream,
		logger:        logger,
		now:           time.Now,
		flushInterval: defaultFlushInterval,
		events:        make(chan types.InputLogEvent, defaultBufferSize),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.collect()
	return s
}

// Log implements Sink. It never waits on CloudWatch; delivery failures are
// written to the process logger.
func (s *CloudWatchSink) Log(_ context.Context, entry Entry) {
	if entry.Time.IsZero() {
		entry.Time = s.now()
	}

	message, err := encodeEvent(entry)
	if err != nil {
		s.logger.Error("Failed to encode log entry", zap.String("event", entry.Event), zap.Error(err))
		return
	}
	event := types.InputLogEvent{
		Message:   aws.String(message),
		Timestamp: aws.Int64(entry.Time.UnixMilli()),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.events <- event:
	default:
		s.logger.Warn("CloudWatch buffer full, dropping log entry", zap.String("event", entry.Event))
	}
}

// Close publishes what is buffered and stops the sink
func (s *CloudWatchSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()

	<-s.done
	return nil
}

// encodeEvent marshals entry so that it fits a single CloudWatch event,
// shortening the message first and dropping the data second
func encodeEvent(entry Entry) (string, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}

	for len(data) > maximumBytesPerEvent {
		overflow := len(data) - maximumBytesPerEvent
		switch {
		case len(entry.Message) > len(truncatedSuffix):
			keep := max(len(entry.Message)-overflow-len(truncatedSuffix), 0)
			entry.Message = strings.ToValidUTF8(entry.Message[:keep], "") + truncatedSuffix
		case entry.Data != nil:
			entry.Data = nil
		default:
			return "", fmt.Errorf("entry of %d bytes does not fit a CloudWatch event", len(data))
		}

		entry.Truncated = true
		if data, err = json.Marshal(entry); err != nil {
			return "", err
		}
	}
	return string(data), nil
}

func (s *CloudWatchSink) collect() {
	defer close(s.done)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	var batch []types.InputLogEvent
	size := 0
	for {
		select {
		case <-ticker.C:
			s.publish(batch)
			batch, size = nil, 0

		case event, ok := <-s.events:
			if !ok {
				s.publish(batch)
				return
			}

			eventSize := len(aws.ToString(event.Message)) + perEventBytes
			if len(batch) >= maximumLogEventsPerPut || size+eventSize > maximumBytesPerPut {
				s.publish(batch)
				batch, size = nil, 0
			}
			batch = append(batch, event)
			size += eventSize
		}
	}
}

func (s *CloudWatchSink) publish(batch []types.InputLogEvent) {
	if len(batch) == 0 {
		return
	}

	// CloudWatch rejects batches that are not in chronological order
	sort.SliceStable(batch, func(i, j int) bool {
		return aws.ToInt64(batch[i].Timestamp) < aws.ToInt64(batch[j].Timestamp)
	})

	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()

	err := s.put(ctx, batch)
	if errorCode(err) == resourceNotFoundCode {
		// The stream was deleted under us
		s.created = false
		err = s.put(ctx, batch)
	}
	if err != nil {
		s.logger.Error("Failed to put log events",
			zap.String("errorCode", errorCode(err)),
			zap.String("logGroupName", s.group),
			zap.String("logStreamName", s.stream),
			zap.Int("events", len(batch)),
			zap.Error(err))
	}
}

func (s *CloudWatchSink) put(ctx context.Context, batch []types.InputLogEvent) error {
	if err := s.ensureStream(ctx); err != nil {
		return err
	}

	_, err := s.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(s.group),
		LogStreamName: aws.String(s.stream),
		LogEvents:     batch,
	})
	return err
}

func (s *CloudWatchSink) ensureStream(ctx context.Context) error {
	if s.created {
		return nil
	}

	_, err := s.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(s.group),
		LogStreamName: aws.String(s.stream),
	})
	if err != nil && errorCode(err) != resourceAlreadyExistsCode {
		return err
	}

	s.created = true
	return nil
}

// errorCode returns the AWS error code of err, or ""
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
