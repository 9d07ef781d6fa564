// Package metrics counts what the detector does. Components depend on Sink and
// never on a concrete backend.
package metrics

// Counter names a monotonically increasing event count.
type Counter string

const (
	MessagesReceived     Counter = "messages_received"
	MessagesRejected     Counter = "messages_rejected"
	MessagesUnrecognized Counter = "messages_unrecognized"
	AcksSent             Counter = "acks_sent"
	Reconnections        Counter = "mllp_reconnections"
	Shutdowns            Counter = "mllp_shutdowns"
	StorageErrors        Counter = "storage_errors"
	PredictionErrors     Counter = "prediction_errors"
	Predictions          Counter = "predictions"
	AKIDetected          Counter = "aki_detected"
	PagesSent            Counter = "pages_sent"
	PagesFailed          Counter = "pages_failed"
	JournalReplays       Counter = "journal_replays"
)

var help = map[Counter]string{
	MessagesReceived:     "Alınan HL7 mesajı sayısı",
	MessagesRejected:     "ACK gönderilmeyen mesaj sayısı",
	MessagesUnrecognized: "Tanınmayan mesaj sayısı",
	AcksSent:             "Gönderilen ACK sayısı",
	Reconnections:        "MLLP yeniden bağlanma sayısı",
	Shutdowns:            "MLLP bağlantı kapanma sayısı",
	StorageErrors:        "Depolama hatası sayısı",
	PredictionErrors:     "Tahmin hatası sayısı",
	Predictions:          "Yapılan tahmin sayısı",
	AKIDetected:          "Pozitif AKI tahmini sayısı",
	PagesSent:            "Başarılı çağrı sayısı",
	PagesFailed:          "Başarısız çağrı sayısı",
	JournalReplays:       "Yeniden işlenen günlük kaydı sayısı",
}

// Counters lists every known counter in a stable order.
func Counters() []Counter {
	return []Counter{
		MessagesReceived, MessagesRejected, MessagesUnrecognized, AcksSent,
		Reconnections, Shutdowns, StorageErrors, PredictionErrors,
		Predictions, AKIDetected, PagesSent, PagesFailed, JournalReplays,
	}
}

// Help returns the description of c.
func (c Counter) Help() string {
	return help[c]
}

type Sink interface {
	Inc(c Counter)
}

// Nop discards every count.
type Nop struct{}

func (Nop) Inc(Counter) {}

// Multi fans every count out to all sinks.
type Multi []Sink

func (m Multi) Inc(c Counter) {
	for _, s := range m {
		if s != nil {
			s.Inc(c)
		}
	}
}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
