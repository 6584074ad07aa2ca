package broker

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue and exchange names are shared wire contracts across every process in
// the pipeline; changing them breaks compatibility with deployed peers.
const (
	GenerationQueue     = "generation"
	GenerationDLX       = "generation.dlx"
	GenerationDeadQueue = "generation.dead"
	EventExchange       = "generation.events"
	HeartbeatExchange   = "heartbeat"
)

// DefaultPrefetch bounds unacked deliveries per consuming channel so one slow
// handler cannot starve others sharing the connection.
const DefaultPrefetch = 8

// RPCQueue is the request queue a service's unary RPC server consumes.
func RPCQueue(service string) string {
	return "rpc:" + service
}

// RPCStreamQueue is the request queue for the streaming RPC variant.
func RPCStreamQueue(service string) string {
	return "rpc:" + service + ":stream"
}

// RPCBroadcastExchange fans a call out to every instance of a service.
func RPCBroadcastExchange(service string) string {
	return "rpc:" + service + ":all"
}

// DeclareGenerationTopology declares the generation work queue with its
// dead-letter exchange and the dead queue bound to it. All declarations are
// idempotent and safe to re-run on every reconnect.
func DeclareGenerationTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(GenerationDLX, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(GenerationDeadQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(GenerationDeadQueue, "", GenerationDLX, false, nil); err != nil {
		return err
	}
	_, err := ch.QueueDeclare(GenerationQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": GenerationDLX,
	})
	return err
}

// DeclareEventExchange declares the fan-out exchange carrying generation
// status events.
func DeclareEventExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(EventExchange, "fanout", false, false, false, false, nil)
}

// DeclareHeartbeatExchange declares the fan-out exchange carrying heartbeats.
func DeclareHeartbeatExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(HeartbeatExchange, "fanout", false, false, false, false, nil)
}

// BindPrivateQueue declares a server-named exclusive queue and binds it to a
// fan-out exchange. Restarted subscribers get a fresh queue with no backlog.
func BindPrivateQueue(ch *amqp.Channel, exchange string) (string, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", err
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return "", err
	}
	return q.Name, nil
}
