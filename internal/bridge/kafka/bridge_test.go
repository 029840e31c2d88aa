package kafka

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/synaplabs/synap/internal/pubsub"
)

func TestNewRejectsMissingBrokers(t *testing.T) {
	_, err := New(Config{ConsumerGroup: "g", Topics: []string{"t"}, Router: pubsub.NewRouter(1, 0, nil, zerolog.Nop())})
	require.Error(t, err)
}

func TestNewRejectsMissingConsumerGroup(t *testing.T) {
	_, err := New(Config{Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"t"}, Router: pubsub.NewRouter(1, 0, nil, zerolog.Nop())})
	require.Error(t, err)
}

func TestNewRejectsMissingTopics(t *testing.T) {
	_, err := New(Config{Brokers: []string{"127.0.0.1:9092"}, ConsumerGroup: "g", Router: pubsub.NewRouter(1, 0, nil, zerolog.Nop())})
	require.Error(t, err)
}

func TestNewRejectsMissingRouter(t *testing.T) {
	_, err := New(Config{Brokers: []string{"127.0.0.1:9092"}, ConsumerGroup: "g", Topics: []string{"t"}})
	require.Error(t, err)
}

func TestProcessRecordAppliesMapperAndPublishes(t *testing.T) {
	router := pubsub.NewRouter(4, 0, nil, zerolog.Nop())
	sub, err := router.Subscribe("consumer1", "orders.created")
	require.NoError(t, err)

	b := &Bridge{cfg: Config{
		Router: router,
		Mapper: func(kafkaTopic string) string { return "orders.created" },
		Logger: zerolog.Nop(),
	}}

	b.processRecord(&kgo.Record{Topic: "orders-created", Value: []byte("payload")})

	select {
	case msg := <-sub.Messages:
		require.Equal(t, []byte("payload"), msg.Payload)
	default:
		t.Fatal("expected message to be delivered")
	}

	require.EqualValues(t, 1, b.processed)
}
