package network

// QueueEntry is an encoded packet waiting in an endpoint's send queue,
// stamped with its enqueue time so artificial send latency can be applied.
type QueueEntry struct {
	QueueTime uint64
	DestAddr  string
	Data      []byte
}
