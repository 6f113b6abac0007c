package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaOptions configures the kafka driver.
type KafkaOptions struct {
	Brokers      []string
	ClientID     string
	WriteTimeout time.Duration
}

type kafkaTransport struct {
	opts   KafkaOptions
	logger *zap.Logger
	closed atomic.Bool

	mu     sync.Mutex
	writer *kafka.Writer
	subs   []*kafkaSubscription
}

// NewKafkaTransport returns a driver backed by segmentio/kafka-go. Nothing
// touches the network until Dial.
func NewKafkaTransport(opts KafkaOptions, logger *zap.Logger) Transport {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &kafkaTransport{opts: opts, logger: logger.Named("kafka")}
}

// Dial checks that at least one seed broker answers, then prepares the writer.
func (t *kafkaTransport) Dial(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(t.opts.Brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}

	conn, err := t.dialAny(ctx)
	if err != nil {
		return err
	}
	_ = conn.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer == nil {
		t.writer = &kafka.Writer{
			Addr:                   kafka.TCP(t.opts.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			WriteTimeout:           t.opts.WriteTimeout,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			Transport:              &kafka.Transport{ClientID: t.opts.ClientID},
		}
	}
	return nil
}

func (t *kafkaTransport) Publish(ctx context.Context, msg Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.Lock()
	writer := t.writer
	t.mu.Unlock()
	if writer == nil {
		return ErrNotConnected
	}

	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	writeCtx, cancel := context.WithTimeout(ctx, t.opts.WriteTimeout)
	defer cancel()
	err := writer.WriteMessages(writeCtx, kafka.Message{
		Topic:   msg.Topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	if errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	return err
}

func (t *kafkaTransport) Subscribe(ctx context.Context, spec SubscribeSpec, deliver Deliver) (Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	var (
		readers []*kafka.Reader
		err     error
	)
	if spec.FromLatest {
		readers, err = t.latestReaders(ctx, spec)
		if err != nil {
			return nil, err
		}
	} else {
		readers = []*kafka.Reader{kafka.NewReader(groupReaderConfig(t.opts.Brokers, spec))}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSubscription{
		readers: readers,
		commit:  !spec.FromLatest,
		cancel:  cancel,
		logger:  t.logger.With(zap.String("topic", spec.Topic), zap.String("group", spec.Group)),
	}
	for _, reader := range readers {
		sub.wg.Add(1)
		go sub.loop(loopCtx, reader, deliver)
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return sub, nil
}

func groupReaderConfig(brokers []string, spec SubscribeSpec) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       spec.Topic,
		GroupID:     spec.Group,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	}
}

func partitionReaderConfig(brokers []string, topic string, partition int) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   250 * time.Millisecond,
	}
}

// latestReaders reads every partition of the topic outside any consumer
// group. Each reader starts at the end offset looked up here, so a record
// written after Subscribe returns is never skipped, unlike a fresh group
// whose join finishes in the background.
func (t *kafkaTransport) latestReaders(ctx context.Context, spec SubscribeSpec) ([]*kafka.Reader, error) {
	partitions, err := t.partitions(ctx, spec.Topic)
	if err != nil {
		return nil, err
	}
	readers := make([]*kafka.Reader, 0, len(partitions))
	closeAll := func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}
	for _, p := range partitions {
		last, err := t.lastOffset(ctx, spec.Topic, p.ID)
		if err != nil {
			closeAll()
			return nil, err
		}
		reader := kafka.NewReader(partitionReaderConfig(t.opts.Brokers, spec.Topic, p.ID))
		if err := reader.SetOffset(last); err != nil {
			_ = reader.Close()
			closeAll()
			return nil, fmt.Errorf("kafka: seek %s/%d: %w", spec.Topic, p.ID, err)
		}
		readers = append(readers, reader)
	}
	return readers, nil
}

// partitions lists the topic's partitions, creating the topic when the
// broker does not know it yet.
func (t *kafkaTransport) partitions(ctx context.Context, topic string) ([]kafka.Partition, error) {
	conn, err := t.dialAny(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(topic)
	if err == nil && len(partitions) > 0 {
		return partitions, nil
	}
	if err != nil && !errors.Is(err, kafka.UnknownTopicOrPartition) {
		return nil, fmt.Errorf("kafka: read partitions of %s: %w", topic, err)
	}

	controller, err := conn.Controller()
	if err != nil {
		return nil, fmt.Errorf("kafka: find controller: %w", err)
	}
	cc, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return nil, fmt.Errorf("kafka: dial controller: %w", err)
	}
	defer cc.Close()
	err = cc.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return nil, fmt.Errorf("kafka: create %s: %w", topic, err)
	}
	partitions, err = conn.ReadPartitions(topic)
	if err != nil {
		return nil, fmt.Errorf("kafka: read partitions of %s: %w", topic, err)
	}
	return partitions, nil
}

func (t *kafkaTransport) lastOffset(ctx context.Context, topic string, partition int) (int64, error) {
	var lastErr error
	for _, addr := range t.opts.Brokers {
		conn, err := kafka.DialLeader(ctx, "tcp", addr, topic, partition)
		if err != nil {
			lastErr = err
			continue
		}
		offset, err := conn.ReadLastOffset()
		_ = conn.Close()
		if err != nil {
			return 0, fmt.Errorf("kafka: last offset of %s/%d: %w", topic, partition, err)
		}
		return offset, nil
	}
	return 0, fmt.Errorf("kafka: dial leader of %s/%d: %w", topic, partition, lastErr)
}

func (t *kafkaTransport) dialAny(ctx context.Context) (*kafka.Conn, error) {
	var lastErr error
	for _, addr := range t.opts.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("kafka: dial brokers: %w", lastErr)
}

func (t *kafkaTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	subs := t.subs
	writer := t.writer
	t.subs = nil
	t.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type kafkaSubscription struct {
	readers []*kafka.Reader
	// commit is false for partition readers, which have no group offsets.
	commit bool
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
	logger *zap.Logger
}

// loop fetches without auto-commit; offsets are committed from the ack
// callback once the client finished with the record.
func (s *kafkaSubscription) loop(ctx context.Context, reader *kafka.Reader, deliver Deliver) {
	defer s.wg.Done()
	for {
		record, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			s.logger.Warn("kafka fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		headers := make(map[string]string, len(record.Headers))
		for _, h := range record.Headers {
			headers[h.Key] = string(h.Value)
		}
		msg := Message{
			Topic:     record.Topic,
			Key:       record.Key,
			Value:     record.Value,
			Headers:   headers,
			Partition: record.Partition,
			Offset:    record.Offset,
		}
		ack := func() {}
		if s.commit {
			ack = func() {
				if err := reader.CommitMessages(context.Background(), record); err != nil {
					s.logger.Warn("kafka commit failed", zap.Int64("offset", record.Offset), zap.Error(err))
				}
			}
		}
		deliver(ctx, msg, ack)
	}
}

func (s *kafkaSubscription) Close() error {
	var errs []error
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		for _, reader := range s.readers {
			if err := reader.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
