package events

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	// EventSignal fires on every detected EMA crossover.
	EventSignal Event = "signal"
	// EventTradeOpened fires after an auto-trade or manual order is placed.
	EventTradeOpened Event = "trade.opened"
	// EventTradeClosed fires after a position close.
	EventTradeClosed Event = "trade.closed"
	// EventMonitorStarted and EventMonitorStopped track detector lifecycle.
	EventMonitorStarted Event = "monitor.started"
	EventMonitorStopped Event = "monitor.stopped"
)
