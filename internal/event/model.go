package event

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Record is the canonical in-memory form of one raw PBX signaling event.
//
// Invariants:
// - Type and Token are required; ingestion must reject records without them.
// - Records are immutable once stored in the event cache. Callers that need a
//   modified copy must build a new Record.
//
// Protocol-specific attributes live in Fields; the handful of attributes the
// engine actually branches on have typed accessors below.

type Record struct {
	Type           Type              `json:"event_type"`
	UniqueID       string            `json:"unique_id"`
	BridgeUniqueID string            `json:"bridge_unique_id,omitempty"`
	Token          string            `json:"token"`
	Timestamp      time.Time         `json:"timestamp"`

	// Extensions is the ordered list of internal extensions the PBX reported
	// for this event (ring groups may carry several).
	Extensions []string `json:"extensions,omitempty"`

	Fields map[string]string `json:"fields,omitempty"`
}

type Type string

const (
	TypeStart         Type = "start"
	TypeDial          Type = "dial"
	TypeBridge        Type = "bridge"
	TypeBridgeCreate  Type = "bridge_create"
	TypeBridgeLeave   Type = "bridge_leave"
	TypeBridgeDestroy Type = "bridge_destroy"
	TypeNewCallerID   Type = "new_callerid"
	TypeHangup        Type = "hangup"
)

// ParseType maps a wire event type (case-insensitive) onto a known Type.
func ParseType(s string) (Type, bool) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeStart:
		return TypeStart, true
	case TypeDial:
		return TypeDial, true
	case TypeBridge:
		return TypeBridge, true
	case TypeBridgeCreate:
		return TypeBridgeCreate, true
	case TypeBridgeLeave:
		return TypeBridgeLeave, true
	case TypeBridgeDestroy:
		return TypeBridgeDestroy, true
	case TypeNewCallerID:
		return TypeNewCallerID, true
	case TypeHangup:
		return TypeHangup, true
	default:
		return "", false
	}
}

// CallDirection distinguishes where a call originated.
type CallDirection int

const (
	CallIncoming CallDirection = 0
	CallOutgoing CallDirection = 1
	CallInternal CallDirection = 2

	// CallUnknown is returned when the PBX did not supply a call type.
	CallUnknown CallDirection = -1
)

// Well-known protocol field names. The PBX sends these verbatim; the engine
// only ever reads them through the typed accessors.
const (
	FieldCallType          = "CallType"
	FieldPhone             = "Phone"
	FieldCallerIDNum       = "CallerIDNum"
	FieldConnectedLineNum  = "ConnectedLineNum"
	FieldTrunk             = "Trunk"
	FieldExternalInitiated = "ExternalInitiated"
	FieldCallStatus        = "CallStatus"
	FieldStartTime         = "StartTime"
	FieldEndTime           = "EndTime"
)

var (
	ErrMissingToken = errors.New("event: token is required")
	ErrMissingType  = errors.New("event: event_type is required")
)

// Validate enforces the ingestion invariants. A failure here is a hard
// rejection at the transport boundary; nothing past ingestion sees an
// invalid record.
func (r Record) Validate() error {
	if r.Token == "" {
		return ErrMissingToken
	}
	if r.Type == "" {
		return ErrMissingType
	}
	return nil
}

// EffectiveUniqueID returns the record's unique id, synthesizing one from the
// bridge id for bridge sub-events that arrive without their own leg id.
func (r Record) EffectiveUniqueID() string {
	if r.UniqueID != "" {
		return r.UniqueID
	}
	if r.BridgeUniqueID != "" {
		return "bridge-" + r.BridgeUniqueID
	}
	return ""
}

// Get returns a raw protocol field value, or "" when absent.
func (r Record) Get(key string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[key]
}

// Direction reports the PBX call type. Unparseable or absent values map to
// CallUnknown rather than failing.
func (r Record) Direction() CallDirection {
	v := r.Get(FieldCallType)
	if v == "" {
		return CallUnknown
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return CallUnknown
	}
	switch CallDirection(n) {
	case CallIncoming, CallOutgoing, CallInternal:
		return CallDirection(n)
	default:
		return CallUnknown
	}
}

func (r Record) Phone() string            { return r.Get(FieldPhone) }
func (r Record) CallerIDNum() string      { return r.Get(FieldCallerIDNum) }
func (r Record) ConnectedLineNum() string { return r.Get(FieldConnectedLineNum) }
func (r Record) Trunk() string            { return r.Get(FieldTrunk) }
func (r Record) CallStatus() string       { return r.Get(FieldCallStatus) }

// HasTrunk reports whether the event traversed an external line.
func (r Record) HasTrunk() bool { return strings.TrimSpace(r.Trunk()) != "" }

// ExternalInitiated reports the PBX's "externally initiated" flag on bridge
// events. Absent or malformed values read as false.
func (r Record) ExternalInitiated() bool {
	v := strings.ToLower(strings.TrimSpace(r.Get(FieldExternalInitiated)))
	return v == "true" || v == "1" || v == "yes"
}

// StartTime parses the PBX start-time field. A missing or unparseable value
// yields the zero time; timestamp problems never abort event processing.
func (r Record) StartTime() time.Time { return r.parseTime(FieldStartTime) }

// EndTime parses the PBX end-time field, zero when absent or malformed.
func (r Record) EndTime() time.Time { return r.parseTime(FieldEndTime) }

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func (r Record) parseTime(key string) time.Time {
	v := strings.TrimSpace(r.Get(key))
	if v == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
