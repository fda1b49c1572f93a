package rabbitmq

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/config"
	"github.com/scalarorg/settlement-relayer/pkg/chains"
	"github.com/scalarorg/settlement-relayer/pkg/intent"
	"github.com/scalarorg/settlement-relayer/pkg/types"
)

const (
	DEFAULT_QUEUE_TYPE     = "quorum"
	DEFAULT_PREFETCH_COUNT = 10
	DEAD_LETTER_EXCHANGE   = "common_dlx"
	CONSUMER_TAG           = "settlement-relayer"
)

var ErrChannelClosed = errors.New("rabbitmq delivery channel closed")

// Client consumes signed settlement intents and turns them into instructions.
type Client struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queue     amqp.Queue
	publicKey ed25519.PublicKey
	now       func() time.Time
}

func NewClient(cfg *config.RabbitMQConfig) (*Client, error) {
	publicKey, err := intent.ParsePublicKey(cfg.IntentPublicKey)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, types.NetworkError("failed to connect to RabbitMQ", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, types.NetworkError("failed to open a channel", err)
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = DEFAULT_PREFETCH_COUNT
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, types.NetworkError("failed to set prefetch", err)
	}
	q, err := ch.QueueDeclare(
		cfg.Queue,      // name
		true,           // durable
		false,          // delete when unused
		false,          // exclusive
		false,          // no-wait
		queueArgs(cfg), // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, types.NetworkError("failed to declare a queue", err)
	}
	return &Client{
		conn:      conn,
		channel:   ch,
		queue:     q,
		publicKey: publicKey,
		now:       time.Now,
	}, nil
}

func queueArgs(cfg *config.RabbitMQConfig) amqp.Table {
	queueType := cfg.QueueType
	if queueType == "" {
		queueType = DEFAULT_QUEUE_TYPE
	}
	args := amqp.Table{"x-queue-type": queueType}
	if cfg.RoutingKey != "" {
		args["x-dead-letter-exchange"] = DEAD_LETTER_EXCHANGE
		args["x-dead-letter-routing-key"] = cfg.RoutingKey
	}
	return args
}

// Consume hands every valid intent to sink until ctx is cancelled or the broker closes the channel.
func (c *Client) Consume(ctx context.Context, sink chains.InstructionSink) error {
	msgs, err := c.channel.ConsumeWithContext(
		ctx,
		c.queue.Name,
		CONSUMER_TAG, // consumer
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		return types.NetworkError("failed to register a consumer", err)
	}
	log.Info().Str("queue", c.queue.Name).Msg("[RabbitMQ] [Consume] consuming settlement intents")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ErrChannelClosed
			}
			c.handleDelivery(ctx, msg, sink)
		}
	}
}

// handleDelivery acks an intent once the sink made it durable. Invalid intents are dead-lettered and
// intents the sink could not accept go back to the queue.
func (c *Client) handleDelivery(ctx context.Context, msg amqp.Delivery, sink chains.InstructionSink) {
	instr, err := DecodeIntent(msg.Body, c.publicKey, c.now())
	if err != nil {
		log.Warn().Err(err).Str("messageId", msg.MessageId).Msg("[RabbitMQ] [handleDelivery] rejected intent")
		if nackErr := msg.Nack(false, false); nackErr != nil {
			log.Error().Err(nackErr).Msg("[RabbitMQ] [handleDelivery] failed to nack")
		}
		return
	}
	if err := sink.Accept(ctx, instr); err != nil {
		log.Error().Err(err).Str("intentId", instr.SourceTxHash).Msg("[RabbitMQ] [handleDelivery] sink refused intent, requeued")
		if nackErr := msg.Nack(false, true); nackErr != nil {
			log.Error().Err(nackErr).Msg("[RabbitMQ] [handleDelivery] failed to nack")
		}
		return
	}
	log.Debug().Str("intentId", instr.SourceTxHash).Str("receiver", instr.Receiver).
		Msg("[RabbitMQ] [handleDelivery] queued intent")
	if err := msg.Ack(false); err != nil {
		log.Error().Err(err).Msg("[RabbitMQ] [handleDelivery] failed to ack")
	}
}

// DecodeIntent parses a signed intent and converts it to an instruction.
func DecodeIntent(body []byte, publicKey ed25519.PublicKey, now time.Time) (*types.SettlementInstruction, error) {
	var settlementIntent intent.SettlementIntent
	if err := json.Unmarshal(body, &settlementIntent); err != nil {
		return nil, types.SerializationError("failed to unmarshal intent", err)
	}
	if settlementIntent.IntentID == "" {
		return nil, types.InvalidInstruction(fmt.Errorf("intent id is empty"))
	}
	return settlementIntent.ToInstruction(publicKey, now)
}

func (c *Client) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
