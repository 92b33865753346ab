package metrics

// Pipeline counters shared by the write side, the relay and the projector.
var (
	Commands = NewCounterVec(Opts{
		Name: "todo_commands_total",
		Help: "Commands handled, by action and outcome.",
	}, "action", "outcome")

	CommandRetries = NewCounterVec(Opts{
		Name: "todo_command_retries_total",
		Help: "Transient transaction failures retried, by action.",
	}, "action")

	OutboxDeliveries = NewCounterVec(Opts{
		Name: "todo_outbox_deliveries_total",
		Help: "Outbox events handed to the deliverer, by outcome.",
	}, "outcome")

	Projections = NewCounterVec(Opts{
		Name: "todo_projection_events_total",
		Help: "Events seen by the projection applier, by event type and outcome.",
	}, "event_type", "outcome")
)

func init() {
	Default.MustRegister(Commands, CommandRetries, OutboxDeliveries, Projections)
}
