package rabbitmq

import "fmt"

// Broker topology. Names are part of the external wire contract and must
// not change.
const (
	NewConnectionsExchange = "new_connections_exchange"
	ConnectionsQueue       = "calibration_service_connections_queue"
	MLFlowExchange         = "mlflow_exchange"
	MLFlowRoutingKey       = "mlflow.key"

	// Reserved for scale signaling; declared but carrying no protocol.
	RepliesExchange     = "replies_exchange"
	CoordinatorExchange = "coordinator_exchange"
)

// InputsQueue is the per-session durable inputs queue name.
func InputsQueue(sessionID string) string { return fmt.Sprintf("%s_inputs_cal_queue", sessionID) }

// OutputsQueue is the per-session durable outputs queue name.
func OutputsQueue(sessionID string) string { return fmt.Sprintf("%s_outputs_cal_queue", sessionID) }

// SetupListenerTopology declares the shared new-session plumbing: the fanout
// exchange, the durable listener queue, and their binding.
func SetupListenerTopology(ch *Channel) error {
	if err := ch.DeclareExchange(NewConnectionsExchange, "fanout", true); err != nil {
		return err
	}
	if err := ch.DeclareQueue(ConnectionsQueue, true); err != nil {
		return err
	}
	if err := ch.BindQueue(ConnectionsQueue, NewConnectionsExchange, ""); err != nil {
		return err
	}
	// Reserved exchanges, declared for wire compatibility.
	if err := ch.DeclareExchange(RepliesExchange, "direct", false); err != nil {
		return err
	}
	return ch.DeclareExchange(CoordinatorExchange, "fanout", false)
}

// SetupSessionTopology declares the per-session stream queues and the
// observability exchange.
func SetupSessionTopology(ch *Channel, sessionID string) error {
	if err := ch.DeclareQueue(InputsQueue(sessionID), true); err != nil {
		return err
	}
	if err := ch.DeclareQueue(OutputsQueue(sessionID), true); err != nil {
		return err
	}
	return ch.DeclareExchange(MLFlowExchange, "direct", false)
}
