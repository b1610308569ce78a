package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// AttemptHeader carries the number of times a message was requeued.
const AttemptHeader = "x-rollup-attempt"

type ConsumerConfig struct {
	Brokers           string
	InputTopic        string
	DLQTopic          string
	Group             string
	MaxConcurrentJobs int
	MaxRequeues       int
}

// Consumer reads raw events from Kafka and feeds them to a Handler on a
// bounded worker pool. Offsets are committed through a CommitManager once a
// message is applied, dead-lettered or requeued.
type Consumer struct {
	cfg      ConsumerConfig
	log      *zap.Logger
	handler  *Handler
	consumer *kafka.Consumer
	producer *kafka.Producer
	commits  *CommitManager
	sem      chan struct{}
	wg       sync.WaitGroup
}

func NewConsumer(cfg ConsumerConfig, h *Handler, log *zap.Logger) (*Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"group.id":           cfg.Group,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	return &Consumer{
		cfg:      cfg,
		log:      log,
		handler:  h,
		consumer: c,
		producer: p,
		commits:  NewCommitManager(c, log),
		sem:      make(chan struct{}, cfg.MaxConcurrentJobs),
	}, nil
}

// Start subscribes and runs the poll loop until ctx is done. The returned
// function waits for in-flight messages and releases the Kafka clients.
func (k *Consumer) Start(ctx context.Context) (func(), error) {
	if err := k.consumer.SubscribeTopics([]string{k.cfg.InputTopic}, nil); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", k.cfg.InputTopic, err)
	}
	k.log.Info("listening_to_topic",
		zap.String("topic", k.cfg.InputTopic),
		zap.String("group", k.cfg.Group),
		zap.Int("max_concurrent_jobs", k.cfg.MaxConcurrentJobs))

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			msg, err := k.consumer.ReadMessage(100 * time.Millisecond)
			if err != nil {
				var kerr kafka.Error
				if errors.As(err, &kerr) && kerr.IsTimeout() {
					continue
				}
				k.log.Error("kafka_read_failed", zap.Error(err))
				continue
			}
			k.commits.Track(msg)
			k.sem <- struct{}{}
			k.wg.Add(1)
			go func(m *kafka.Message) {
				defer func() { <-k.sem; k.wg.Done() }()
				k.process(ctx, m)
			}(msg)
		}
	}()

	return func() {
		<-loopDone
		k.wg.Wait()
		k.producer.Flush(5000)
		k.producer.Close()
		if err := k.consumer.Close(); err != nil {
			k.log.Error("kafka_consumer_close_failed", zap.Error(err))
			return
		}
		k.log.Info("kafka_consumer_closed")
	}, nil
}

func (k *Consumer) process(ctx context.Context, msg *kafka.Message) {
	attempt := attemptOf(msg)
	disp, err := k.handler.Handle(ctx, msg.Value, attempt)
	switch disp {
	case DeadLetter:
		if perr := k.produce(ctx, k.cfg.DLQTopic, dlqMessage(msg, err), withHeader(msg.Headers, "x-dlq-reason", errString(err))); perr != nil {
			k.log.Error("dlq_produce_failed", zap.Error(perr))
			return // not acked: redelivered after restart
		}
	case Requeue:
		if ctx.Err() != nil {
			return
		}
		hdrs := withHeader(msg.Headers, AttemptHeader, strconv.Itoa(attempt+1))
		if perr := k.produce(ctx, k.cfg.InputTopic, kafka.Message{Key: msg.Key, Value: msg.Value}, hdrs); perr != nil {
			k.log.Error("requeue_produce_failed", zap.Error(perr))
			return
		}
	}
	k.commits.Ack(msg)
}

// produce writes one message and waits for its delivery report.
func (k *Consumer) produce(ctx context.Context, topic string, m kafka.Message, hdrs []kafka.Header) error {
	delivery := make(chan kafka.Event, 1)
	m.TopicPartition = kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny}
	m.Headers = hdrs
	if err := k.producer.Produce(&m, delivery); err != nil {
		return err
	}
	select {
	case e := <-delivery:
		if dm, ok := e.(*kafka.Message); ok && dm.TopicPartition.Error != nil {
			return dm.TopicPartition.Error
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func dlqMessage(original *kafka.Message, cause error) kafka.Message {
	payload := map[string]any{
		"original_topic":     topicOf(original),
		"original_partition": original.TopicPartition.Partition,
		"original_offset":    original.TopicPartition.Offset,
		"value":              string(original.Value),
		"error":              errString(cause),
		"failed_at":          time.Now().UTC().Format(time.RFC3339Nano),
	}
	b, _ := json.Marshal(payload)
	return kafka.Message{Key: original.Key, Value: b}
}

func attemptOf(msg *kafka.Message) int {
	for i := len(msg.Headers) - 1; i >= 0; i-- {
		if msg.Headers[i].Key == AttemptHeader {
			n, err := strconv.Atoi(string(msg.Headers[i].Value))
			if err == nil && n >= 0 {
				return n
			}
		}
	}
	return 0
}

// withHeader returns a copy of hdrs with key set to value.
func withHeader(hdrs []kafka.Header, key, value string) []kafka.Header {
	out := make([]kafka.Header, 0, len(hdrs)+1)
	for _, h := range hdrs {
		if h.Key != key {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: key, Value: []byte(value)})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
