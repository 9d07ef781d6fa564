package hl7

import "time"

// Sex is the administrative sex carried in PID-8.
type Sex string

const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
	SexOther  Sex = "Other"
)

// Event is the typed result of parsing one message. It is one of Admission,
// Discharge, LabResult or Unrecognized.
type Event interface {
	MessageType() string
}

// Admission is an ADT^A01 patient admission.
type Admission struct {
	Type string
	MRN  string
	Name string
	Age  *int
	Sex  *Sex
}

// Discharge is an ADT^A03 patient discharge.
type Discharge struct {
	Type string
	MRN  string
}

// LabResult is an ORU^R01 observation report. Each result carries the MRN of the
// PID segment that preceded it.
type LabResult struct {
	Type    string
	MRN     string
	Results []Result
}

// Result is a single OBX value. Value is nil when OBX-5 was not numeric.
type Result struct {
	MRN       string
	Value     *float64
	Timestamp time.Time
}

// Unrecognized is any message whose category could not be determined.
type Unrecognized struct {
	Type   string
	Reason string
}

func (e Admission) MessageType() string    { return e.Type }
func (e Discharge) MessageType() string    { return e.Type }
func (e LabResult) MessageType() string    { return e.Type }
func (e Unrecognized) MessageType() string { return e.Type }
