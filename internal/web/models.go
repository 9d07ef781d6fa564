package web

import "time"

type StreamInfo struct {
	Name          string `json:"name"`
	Messages      uint64 `json:"messages"`
	Bytes         uint64 `json:"bytes"`
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`
}

type ConsumerInfo struct {
	Stream          string `json:"stream"`
	Name            string `json:"name"`
	Pending         uint64 `json:"pending"`
	Delivered       uint64 `json:"delivered"`
	AckPending      uint64 `json:"ack_pending"`
	RedeliveryCount uint64 `json:"redelivery_count"`
}

type PendingMessage struct {
	ID          string    `json:"id"`
	ControlID   string    `json:"control_id"`
	MessageType string    `json:"message_type"`
	Sequence    uint64    `json:"sequence"`
	ReceivedAt  time.Time `json:"received_at"`
	Size        int       `json:"size"`
}
