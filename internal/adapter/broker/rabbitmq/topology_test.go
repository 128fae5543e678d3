package rabbitmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueAndExchangeNames(t *testing.T) {
	t.Parallel()
	// These names are consumed by external producers; they must not drift.
	assert.Equal(t, "new_connections_exchange", NewConnectionsExchange)
	assert.Equal(t, "calibration_service_connections_queue", ConnectionsQueue)
	assert.Equal(t, "mlflow_exchange", MLFlowExchange)
	assert.Equal(t, "mlflow.key", MLFlowRoutingKey)
	assert.Equal(t, "replies_exchange", RepliesExchange)
	assert.Equal(t, "coordinator_exchange", CoordinatorExchange)

	id := "11111111-2222-4333-8444-555555555555"
	assert.Equal(t, id+"_inputs_cal_queue", InputsQueue(id))
	assert.Equal(t, id+"_outputs_cal_queue", OutputsQueue(id))
}
