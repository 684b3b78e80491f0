package supervisor

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the wire tag of an Event.
type EventKind string

const (
	KindStarted           EventKind = "started"
	KindStopped           EventKind = "stopped"
	KindCrashed           EventKind = "crashed"
	KindRestarting        EventKind = "restarting"
	KindHealthCheckFailed EventKind = "health_check_failed"
	KindHealthCheckPassed EventKind = "health_check_passed"
	KindResourceAlert     EventKind = "resource_alert"
)

// Event is one entry of the lifecycle history. The set of implementations is
// closed: Started, Stopped, Crashed, Restarting, HealthCheckFailed,
// HealthCheckPassed and ResourceAlert.
type Event interface {
	Kind() EventKind
	Time() time.Time
	isEvent()
}

type Started struct {
	PID int       `json:"pid"`
	At  time.Time `json:"at"`
}

type Stopped struct {
	ExitCode int       `json:"exit_code"`
	At       time.Time `json:"at"`
}

type Crashed struct {
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

type Restarting struct {
	Attempt     uint32    `json:"attempt"`
	MaxAttempts uint32    `json:"max_attempts"`
	At          time.Time `json:"at"`
}

type HealthCheckFailed struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type HealthCheckPassed struct {
	At time.Time `json:"at"`
}

// Alert types carried by ResourceAlert.
const (
	AlertCPU    = "cpu"
	AlertMemory = "memory"
)

type ResourceAlert struct {
	AlertType string    `json:"alert_type"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

func (Started) Kind() EventKind           { return KindStarted }
func (Stopped) Kind() EventKind           { return KindStopped }
func (Crashed) Kind() EventKind           { return KindCrashed }
func (Restarting) Kind() EventKind        { return KindRestarting }
func (HealthCheckFailed) Kind() EventKind { return KindHealthCheckFailed }
func (HealthCheckPassed) Kind() EventKind { return KindHealthCheckPassed }
func (ResourceAlert) Kind() EventKind     { return KindResourceAlert }

func (e Started) Time() time.Time           { return e.At }
func (e Stopped) Time() time.Time           { return e.At }
func (e Crashed) Time() time.Time           { return e.At }
func (e Restarting) Time() time.Time        { return e.At }
func (e HealthCheckFailed) Time() time.Time { return e.At }
func (e HealthCheckPassed) Time() time.Time { return e.At }
func (e ResourceAlert) Time() time.Time     { return e.At }

func (Started) isEvent()           {}
func (Stopped) isEvent()           {}
func (Crashed) isEvent()           {}
func (Restarting) isEvent()        {}
func (HealthCheckFailed) isEvent() {}
func (HealthCheckPassed) isEvent() {}
func (ResourceAlert) isEvent()     {}

// The variants marshal as flat objects carrying a "type" tag.

func (e Started) MarshalJSON() ([]byte, error) {
	type plain Started
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		plain
	}{e.Kind(), plain(e)})
}

func (e Stopped) MarshalJSON() ([]byte, error) {
	type plain Stopped
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		plain
	}{e.Kind(), plain(e)})
}

func (e Crashed) MarshalJSON() ([]byte, error) {
	type plain Crashed
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		plain
	}{e.Kind(), plain(e)})
}

func (e Restarting) MarshalJSON() ([]byte, error) {
	type plain Restarting
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		plain
	}{e.Kind(), plain(e)})
}

func (e HealthCheckFailed) MarshalJSON() ([]byte, error) {
	type plain HealthCheckFailed
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		plain
	}{e.Kind(), plain(e)})
}

func (e HealthCheckPassed) MarshalJSON() ([]byte, error) {
	type plain HealthCheckPassed
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		plain
	}{e.Kind(), plain(e)})
}

func (e ResourceAlert) MarshalJSON() ([]byte, error) {
	type plain ResourceAlert
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		plain
	}{e.Kind(), plain(e)})
}

// MarshalEvent encodes e as a tagged JSON object.
func MarshalEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("nil event")
	}
	return json.Marshal(e)
}

// UnmarshalEvent decodes a tagged JSON object produced by MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var head struct {
		Type EventKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	var (
		ev  Event
		err error
	)
	switch head.Type {
	case KindStarted:
		var v Started
		err = json.Unmarshal(data, &v)
		ev = v
	case KindStopped:
		var v Stopped
		err = json.Unmarshal(data, &v)
		ev = v
	case KindCrashed:
		var v Crashed
		err = json.Unmarshal(data, &v)
		ev = v
	case KindRestarting:
		var v Restarting
		err = json.Unmarshal(data, &v)
		ev = v
	case KindHealthCheckFailed:
		var v HealthCheckFailed
		err = json.Unmarshal(data, &v)
		ev = v
	case KindHealthCheckPassed:
		var v HealthCheckPassed
		err = json.Unmarshal(data, &v)
		ev = v
	case KindResourceAlert:
		var v ResourceAlert
		err = json.Unmarshal(data, &v)
		ev = v
	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Events is a list of events that can be decoded from JSON.
type Events []Event

func (es *Events) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Events, 0, len(raws))
	for _, raw := range raws {
		ev, err := UnmarshalEvent(raw)
		if err != nil {
			return err
		}
		out = append(out, ev)
	}
	*es = out
	return nil
}
