package simulator

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/minasoft/aki-detector/internal/hl7"
	"github.com/minasoft/aki-detector/internal/mllp"
)

// LoadMessages reads HL7 messages from r. MLLP-framed input is split on frame
// boundaries; plain text holds one message per blank-line separated block with
// one segment per line.
func LoadMessages(r io.Reader) ([][]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("mesajlar okunamadı: %w", err)
	}

	if bytes.IndexByte(data, mllp.StartBlock) != -1 {
		var messages [][]byte
		rest := data
		for {
			payload, next, ok := mllp.Unwrap(rest)
			if !ok {
				break
			}
			messages = append(messages, append([]byte(nil), payload...))
			rest = next
		}
		return messages, nil
	}

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	var messages [][]byte
	for _, block := range strings.Split(text, "\n\n") {
		var segments []string
		for _, line := range strings.Split(block, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				segments = append(segments, line)
			}
		}
		if len(segments) == 0 {
			continue
		}
		messages = append(messages, []byte(strings.Join(segments, hl7.SegmentSeparator)+hl7.SegmentSeparator))
	}
	return messages, nil
}

// LoadMessagesFile reads messages from path.
func LoadMessagesFile(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mesaj dosyası açılamadı: %w", err)
	}
	defer f.Close()
	return LoadMessages(f)
}
