package hl7

import (
	"strconv"
	"strings"
	"time"
)

const (
	SegmentSeparator = "\r"
	FieldSeparator   = "|"

	TypeAdmission = "ADT^A01"
	TypeDischarge = "ADT^A03"
	TypeLabResult = "ORU^R01"

	dateLayout      = "20060102"
	timestampLayout = "20060102150405"
)

// Parser turns one de-framed payload into an Event. It holds no state between
// calls; Now is only consulted for age calculation and missing OBR timestamps.
type Parser struct {
	Now func() time.Time
}

func NewParser() Parser {
	return Parser{Now: time.Now}
}

// Parse parses an HL7 message using the wall clock.
func Parse(payload []byte) Event {
	return NewParser().Parse(payload)
}

// message is the working state of a single Parse call
type message struct {
	now       time.Time
	category  string
	msgType   string
	mrn       string
	admission Admission
	results   []Result
	obrTime   time.Time
	seenOBR   bool
}

// Parse parses an HL7 message and extracts the clinical event it carries
func (p Parser) Parse(payload []byte) Event {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	m := &message{now: now}

	segments := splitSegments(string(payload))
	if len(segments) == 0 || !strings.HasPrefix(segments[0], "MSH") {
		return Unrecognized{Reason: "MSH segmenti bulunamadı"}
	}

	for i, segment := range segments {
		fields := splitFields(segment)
		switch fields[0] {
		case "MSH":
			// Only the leading header classifies the message
			if i == 0 {
				m.parseMSH(fields)
			}
		case "PID":
			m.parsePID(fields)
		case "OBR":
			m.parseOBR(fields)
		case "OBX":
			m.parseOBX(fields)
		}
	}

	return m.event()
}

func (m *message) parseMSH(fields []string) {
	m.msgType = field(fields, 8)
	switch {
	case strings.HasSuffix(m.msgType, "^A01"):
		m.category = TypeAdmission
	case strings.HasSuffix(m.msgType, "^A03"):
		m.category = TypeDischarge
	case strings.HasSuffix(m.msgType, "^R01"):
		m.category = TypeLabResult
	default:
		m.category = ""
	}
}

func (m *message) parsePID(fields []string) {
	m.mrn = strings.TrimSpace(field(fields, 3))

	// Demographics only matter for admissions
	if m.category != TypeAdmission {
		return
	}
	m.admission.MRN = m.mrn
	// Format: LastName^FirstName^MiddleName
	m.admission.Name = strings.TrimSpace(strings.Join(strings.Split(field(fields, 5), "^"), " "))
	if age, ok := AgeAt(field(fields, 7), m.now); ok {
		m.admission.Age = &age
	}
	m.admission.Sex = parseSex(field(fields, 8))
}

func (m *message) parseOBR(fields []string) {
	if m.category != TypeLabResult {
		return
	}
	m.seenOBR = true
	if ts, ok := parseTimestamp(field(fields, 7)); ok {
		m.obrTime = ts
		return
	}
	m.obrTime = m.now.UTC().Truncate(time.Second)
}

func (m *message) parseOBX(fields []string) {
	if m.category != TypeLabResult {
		return
	}
	// An observation without an owning patient cannot be stored
	if m.mrn == "" {
		return
	}

	ts := m.obrTime
	if !m.seenOBR {
		ts = m.now.UTC().Truncate(time.Second)
	}

	result := Result{MRN: m.mrn, Timestamp: ts}
	if v, err := strconv.ParseFloat(strings.TrimSpace(field(fields, 5)), 64); err == nil {
		result.Value = &v
	}
	m.results = append(m.results, result)
}

func (m *message) event() Event {
	switch m.category {
	case TypeAdmission:
		m.admission.Type = m.msgType
		return m.admission
	case TypeDischarge:
		return Discharge{Type: m.msgType, MRN: m.mrn}
	case TypeLabResult:
		return LabResult{Type: m.msgType, MRN: m.mrn, Results: m.results}
	}
	return Unrecognized{Type: m.msgType, Reason: "bilinmeyen mesaj tipi"}
}

// AgeAt computes the age in whole years of someone born on dob (YYYYMMDD) at now.
func AgeAt(dob string, now time.Time) (int, bool) {
	birth, err := time.Parse(dateLayout, strings.TrimSpace(dob))
	if err != nil {
		return 0, false
	}
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age, true
}

// ControlID returns MSH-10 of the first segment, or "UNKNOWN".
func ControlID(payload []byte) string {
	segments := splitSegments(string(payload))
	if len(segments) == 0 || !strings.HasPrefix(segments[0], "MSH") {
		return "UNKNOWN"
	}
	if id := field(splitFields(segments[0]), 9); id != "" {
		return id
	}
	return "UNKNOWN"
}

// MessageType returns MSH-9 of the first segment.
func MessageType(payload []byte) string {
	segments := splitSegments(string(payload))
	if len(segments) == 0 || !strings.HasPrefix(segments[0], "MSH") {
		return ""
	}
	return field(splitFields(segments[0]), 8)
}

func splitSegments(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", SegmentSeparator)
	s = strings.ReplaceAll(s, "\n", SegmentSeparator)

	var segments []string
	for _, seg := range strings.Split(s, SegmentSeparator) {
		if seg = strings.TrimSpace(seg); seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}

func splitFields(segment string) []string {
	return strings.Split(segment, FieldSeparator)
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

func parseSex(s string) *Sex {
	var sex Sex
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return nil
	case "M":
		sex = SexMale
	case "F":
		sex = SexFemale
	default:
		sex = SexOther
	}
	return &sex
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{timestampLayout, "200601021504"} {
		if len(s) != len(layout) {
			continue
		}
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
