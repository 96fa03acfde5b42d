// Package transport implements external.Transport over Kafka: each
// peer's outbound byte stream is produced to a dedicated topic that a
// separate BGP-speaking edge process tails and replays onto the real
// session, decoupling the RIB-OUT core from any particular peering
// implementation exactly the way the rest of this pipeline decouples
// ingestion from storage.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-ribout/internal/external"
	"github.com/route-beacon/bgp-ribout/internal/metrics"
)

// maxInFlightPerPeer bounds how many produced-but-unacknowledged
// messages a single peer may have outstanding before Send reports the
// peer blocked, giving the scheduling layer real backpressure instead
// of letting a slow topic grow without bound.
const maxInFlightPerPeer = 64

// Transport is the default external.Transport, producing each peer's
// messages to a topic named by topicPrefix + the peer's key.
type Transport struct {
	client      *kgo.Client
	logger      *zap.Logger
	topicPrefix string

	mu       sync.Mutex
	inFlight map[string]int
	blocked  map[string]bool
	// waiters holds, per blocked peer, the onWritable callback of the
	// Send that reported the block; it fires once the peer's in-flight
	// count drops back under the ceiling.
	waiters map[string]func()
}

// Config holds the Kafka client settings Transport needs.
type Config struct {
	Brokers     []string
	ClientID    string
	TopicPrefix string
	TLS         *tls.Config
	SASL        sasl.Mechanism
}

// New dials the Kafka cluster described by cfg.
func New(cfg Config, logger *zap.Logger) (*Transport, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
	}
	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}
	if cfg.SASL != nil {
		opts = append(opts, kgo.SASL(cfg.SASL))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: creating kafka client: %w", err)
	}

	return &Transport{
		client:      client,
		logger:      logger,
		topicPrefix: cfg.TopicPrefix,
		inFlight:    make(map[string]int),
		blocked:     make(map[string]bool),
		waiters:     make(map[string]func()),
	}, nil
}

// Close releases the underlying Kafka client.
func (t *Transport) Close() { t.client.Close() }

// Ping satisfies httpapi's KafkaChecker, verifying the cluster is
// reachable without producing anything.
func (t *Transport) Ping(ctx context.Context) error { return t.client.Ping(ctx) }

// Send satisfies external.Transport.
func (t *Transport) Send(ctx context.Context, peer external.PeerHandle, payload []byte, onWritable func()) bool {
	key := peer.PeerKey()

	t.mu.Lock()
	if t.inFlight[key] >= maxInFlightPerPeer {
		t.blocked[key] = true
		t.waiters[key] = onWritable
		t.mu.Unlock()
		metrics.TransportSendTotal.WithLabelValues("blocked").Inc()
		return false
	}
	t.inFlight[key]++
	t.mu.Unlock()

	record := &kgo.Record{Topic: t.topicPrefix + key, Value: payload}
	t.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			t.logger.Error("transport: produce failed", zap.String("peer", key), zap.Error(err))
		}

		t.mu.Lock()
		t.inFlight[key]--
		var writable func()
		if t.blocked[key] && t.inFlight[key] < maxInFlightPerPeer {
			t.blocked[key] = false
			writable = t.waiters[key]
			delete(t.waiters, key)
		}
		t.mu.Unlock()

		if writable != nil {
			writable()
		}
	})
	metrics.TransportSendTotal.WithLabelValues("accepted").Inc()
	return true
}
