package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mra/internal/changelog"
	"mra/internal/logging"
)

func main() {
	var (
		hours       int
		base        int
		failureRate float64
		seed        int64
		outputFile  string
		brokers     string
		topic       string
		perSecond   float64
		env         string
	)
	flag.IntVar(&hours, "hours", 24*30, "hours of history ending now")
	flag.IntVar(&base, "base", 5, "base orders per hour before day/time factors")
	flag.Float64Var(&failureRate, "failure-rate", 0.05, "share of failed payments")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	flag.StringVar(&outputFile, "output", "orders.jsonl", "output JSONL file (ignored with -kafka-brokers)")
	flag.StringVar(&brokers, "kafka-brokers", "", "publish to Kafka instead of a file, e.g. localhost:9092")
	flag.StringVar(&topic, "topic", "orders", "kafka topic")
	flag.Float64Var(&perSecond, "rate", 500, "max events per second when publishing to Kafka")
	flag.StringVar(&env, "env", "dev", "logging environment")
	flag.Parse()

	logger := logging.Must(env)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	to := time.Now().UTC().Truncate(time.Hour)
	from := to.Add(-time.Duration(hours) * time.Hour)
	g := newGenerator(seed, base, failureRate)

	var (
		n   int
		err error
	)
	if brokers != "" {
		n, err = publish(ctx, g, from, to, brokers, topic, perSecond)
	} else {
		n, err = writeFile(g, from, to, outputFile)
	}
	if err != nil {
		logger.Fatal("generation_failed", zap.Int("emitted", n), zap.Error(err))
	}
	logger.Info("generated",
		zap.Int("orders", n),
		zap.Time("from", from),
		zap.Time("to", to),
		zap.String("sink", sinkName(brokers, topic, outputFile)))
}

func sinkName(brokers, topic, file string) string {
	if brokers != "" {
		return "kafka:" + topic
	}
	return file
}

func writeFile(g *generator, from, to time.Time, path string) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	n, err := g.generate(from, to, func(o rawOrder) error { return enc.Encode(&o) })
	if err != nil {
		return n, fmt.Errorf("encode: %w", err)
	}
	return n, w.Flush()
}

// publish sends orders keyed by merchant so one merchant's events stay on one
// partition, paced by a token bucket.
func publish(ctx context.Context, g *generator, from, to time.Time, brokers, topic string, perSecond float64) (int, error) {
	w := &kafka.Writer{
		Addr:         kafka.TCP(changelog.SplitBrokers(brokers)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer w.Close()
	limiter := rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1)

	return g.generate(from, to, func(o rawOrder) error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		b, err := json.Marshal(&o)
		if err != nil {
			return err
		}
		return w.WriteMessages(ctx, kafka.Message{Key: []byte(o.MerchantID), Value: b})
	})
}
