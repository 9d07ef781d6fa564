package hl7

import (
	"fmt"
	"time"
)

// ACK builds the acknowledgment payload for an inbound message. It only needs
// MSH-10 and works on payloads that failed to parse into an Event.
// The result is not MLLP framed.
func ACK(payload []byte, now time.Time) []byte {
	controlID := ControlID(payload)
	timestamp := now.Format(timestampLayout)

	ack := fmt.Sprintf("MSH|^~\\&|||||%s||ACK^R01|%s|2.5\rMSA|AA|%s\r",
		timestamp,
		controlID,
		controlID)

	return []byte(ack)
}

// AckCode returns MSA-1 of an acknowledgment payload
func AckCode(ack []byte) string {
	for _, segment := range splitSegments(string(ack)) {
		if fields := splitFields(segment); fields[0] == "MSA" {
			return field(fields, 1)
		}
	}
	return ""
}

// AckControlID returns MSA-2 of an acknowledgment payload
func AckControlID(ack []byte) string {
	for _, segment := range splitSegments(string(ack)) {
		if fields := splitFields(segment); fields[0] == "MSA" {
			return field(fields, 2)
		}
	}
	return ""
}
