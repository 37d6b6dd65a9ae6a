// Package wire implements the dual encoding used on the bus: a compact
// protobuf wire-format body with a JSON fallback. Decoders try binary first
// and fall back to JSON, so mixed fleets where one side publishes JSON keep
// interoperating. Field numbers are frozen; changing one breaks every
// deployed agent.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/argus-sec/argus/internal/model"
)

// Event field numbers.
const (
	evEventID         protowire.Number = 1
	evTimestamp       protowire.Number = 2
	evSentinelID      protowire.Number = 3
	evEventClass      protowire.Number = 4
	evSeverity        protowire.Number = 5
	evRawData         protowire.Number = 6
	evEnrichments     protowire.Number = 7
	evMITRETechniques protowire.Number = 8
)

// Alert field numbers.
const (
	alAlertID           protowire.Number = 1
	alCreatedAt         protowire.Number = 2
	alSeverity          protowire.Number = 3
	alStatus            protowire.Number = 4
	alVerdict           protowire.Number = 5
	alThreatScore       protowire.Number = 6
	alEventIDs          protowire.Number = 7
	alAffectedAssets    protowire.Number = 8
	alReasoning         protowire.Number = 9
	alLLMNarrative      protowire.Number = 10
	alLLMMitreTactic    protowire.Number = 11
	alLLMMitreTechnique protowire.Number = 12
	alLLMRemediation    protowire.Number = 13
)

// Action field numbers.
const (
	acActionID    protowire.Number = 1
	acIncidentID  protowire.Number = 2
	acStrikerID   protowire.Number = 3
	acActionType  protowire.Number = 4
	acParameters  protowire.Number = 5
	acStatus      protowire.Number = 6
	acResultData  protowire.Number = 7
	acInitiatedBy protowire.Number = 8
	acAlertID     protowire.Number = 9
	acTimestamp   protowire.Number = 10
)

// ActionStatus field numbers.
const (
	asActionID   protowire.Number = 1
	asStrikerID  protowire.Number = 2
	asActionType protowire.Number = 3
	asStatus     protowire.Number = 4
	asResultData protowire.Number = 5
	asEvidence   protowire.Number = 6
)

// Timestamp layouts accepted on decode. Agents written against the JSON form
// may omit the zone suffix; those parse as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses a wire timestamp. The zero time and false are
// returned when no layout matches; callers decide the repair.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendStrings(b []byte, num protowire.Number, vs []string) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, v)
	}
	return b
}

func appendJSON(b []byte, num protowire.Number, v any) []byte {
	if v == nil {
		return b
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return b
	}
	data, err := json.Marshal(v)
	if err != nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

// decodeMap tolerates malformed embedded JSON: the payload already passed
// authentication, so a bad sub-document degrades to empty rather than
// poisoning the whole message.
func decodeMap(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// EncodeEvent renders ev in binary wire form.
func EncodeEvent(ev model.Event) []byte {
	var b []byte
	b = appendString(b, evEventID, ev.EventID)
	b = appendString(b, evTimestamp, formatTimestamp(ev.Timestamp))
	b = appendString(b, evSentinelID, ev.SentinelID)
	b = appendString(b, evEventClass, ev.EventClass)
	b = appendString(b, evSeverity, string(ev.Severity))
	b = appendJSON(b, evRawData, ev.RawData)
	b = appendJSON(b, evEnrichments, ev.Enrichments)
	b = appendStrings(b, evMITRETechniques, ev.MITRETechniques)
	return b
}

type eventJSON struct {
	EventID         string         `json:"event_id"`
	Timestamp       string         `json:"timestamp"`
	SentinelID      string         `json:"sentinel_id"`
	EventClass      string         `json:"event_class"`
	Severity        string         `json:"severity"`
	RawData         map[string]any `json:"raw_data"`
	Enrichments     map[string]any `json:"enrichments"`
	MITRETechniques []string       `json:"mitre_techniques"`
}

// DecodeEvent decodes an event from binary wire form, falling back to JSON.
func DecodeEvent(data []byte) (model.Event, error) {
	if ev, err := decodeEventBinary(data); err == nil && ev.EventClass != "" {
		return ev, nil
	}
	var dto eventJSON
	if err := json.Unmarshal(data, &dto); err != nil {
		return model.Event{}, fmt.Errorf("decode event: %w", err)
	}
	ev := model.Event{
		EventID:         dto.EventID,
		SentinelID:      dto.SentinelID,
		EventClass:      dto.EventClass,
		Severity:        model.ParseSeverity(dto.Severity),
		RawData:         dto.RawData,
		Enrichments:     dto.Enrichments,
		MITRETechniques: dto.MITRETechniques,
	}
	if t, ok := ParseTimestamp(dto.Timestamp); ok {
		ev.Timestamp = t
	}
	return ev, nil
}

func decodeEventBinary(data []byte) (model.Event, error) {
	var ev model.Event
	var ts string
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ev, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ev, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return ev, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case evEventID:
			ev.EventID = v
		case evTimestamp:
			ts = v
		case evSentinelID:
			ev.SentinelID = v
		case evEventClass:
			ev.EventClass = v
		case evSeverity:
			ev.Severity = model.ParseSeverity(v)
		case evRawData:
			ev.RawData = decodeMap([]byte(v))
		case evEnrichments:
			ev.Enrichments = decodeMap([]byte(v))
		case evMITRETechniques:
			ev.MITRETechniques = append(ev.MITRETechniques, v)
		}
	}
	if t, ok := ParseTimestamp(ts); ok {
		ev.Timestamp = t
	}
	return ev, nil
}

// EncodeAlert renders al in binary wire form. The reasoning document is
// embedded as JSON so downstream consumers never need the full schema.
func EncodeAlert(al model.Alert) []byte {
	var b []byte
	b = appendString(b, alAlertID, al.AlertID)
	b = appendString(b, alCreatedAt, formatTimestamp(al.CreatedAt))
	b = appendString(b, alSeverity, string(al.Severity))
	b = appendString(b, alStatus, al.Status)
	b = appendString(b, alVerdict, al.Verdict)
	if al.ThreatScore > 0 {
		b = protowire.AppendTag(b, alThreatScore, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(al.ThreatScore))
	}
	b = appendStrings(b, alEventIDs, al.EventIDs)
	b = appendStrings(b, alAffectedAssets, al.AffectedAssets)
	b = appendJSON(b, alReasoning, al.Reasoning)
	b = appendString(b, alLLMNarrative, al.LLMNarrative)
	b = appendString(b, alLLMMitreTactic, al.LLMMitreTactic)
	b = appendString(b, alLLMMitreTechnique, al.LLMMitreTechnique)
	b = appendString(b, alLLMRemediation, al.LLMRemediation)
	return b
}

// DecodeAlert decodes an alert from binary wire form, falling back to JSON.
func DecodeAlert(data []byte) (model.Alert, error) {
	if al, err := decodeAlertBinary(data); err == nil && al.AlertID != "" {
		return al, nil
	}
	var al model.Alert
	if err := json.Unmarshal(data, &al); err != nil {
		return model.Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	return al, nil
}

func decodeAlertBinary(data []byte) (model.Alert, error) {
	var al model.Alert
	var created string
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return al, protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return al, protowire.ParseError(n)
			}
			b = b[n:]
			if num == alThreatScore {
				al.ThreatScore = int(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return al, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case alAlertID:
				al.AlertID = v
			case alCreatedAt:
				created = v
			case alSeverity:
				al.Severity = model.ParseSeverity(v)
			case alStatus:
				al.Status = v
			case alVerdict:
				al.Verdict = v
			case alEventIDs:
				al.EventIDs = append(al.EventIDs, v)
			case alAffectedAssets:
				al.AffectedAssets = append(al.AffectedAssets, v)
			case alReasoning:
				if err := json.Unmarshal([]byte(v), &al.Reasoning); err != nil {
					al.Reasoning = model.Reasoning{}
				}
			case alLLMNarrative:
				al.LLMNarrative = v
			case alLLMMitreTactic:
				al.LLMMitreTactic = v
			case alLLMMitreTechnique:
				al.LLMMitreTechnique = v
			case alLLMRemediation:
				al.LLMRemediation = v
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return al, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if t, ok := ParseTimestamp(created); ok {
		al.CreatedAt = t
	}
	return al, nil
}

// EncodeAction renders ac in binary wire form.
func EncodeAction(ac model.Action) []byte {
	var b []byte
	b = appendString(b, acActionID, ac.ActionID)
	b = appendString(b, acIncidentID, ac.IncidentID)
	b = appendString(b, acStrikerID, ac.StrikerID)
	b = appendString(b, acActionType, ac.ActionType)
	b = appendJSON(b, acParameters, ac.Parameters)
	b = appendString(b, acStatus, ac.Status)
	b = appendJSON(b, acResultData, ac.ResultData)
	b = appendString(b, acInitiatedBy, ac.InitiatedBy)
	b = appendString(b, acAlertID, ac.AlertID)
	b = appendString(b, acTimestamp, formatTimestamp(ac.Timestamp))
	return b
}

type actionJSON struct {
	ActionID    string         `json:"action_id"`
	IncidentID  string         `json:"incident_id"`
	StrikerID   string         `json:"striker_id"`
	AlertID     string         `json:"alert_id"`
	ActionType  string         `json:"action_type"`
	Parameters  map[string]any `json:"parameters"`
	Status      string         `json:"status"`
	ResultData  map[string]any `json:"result_data"`
	InitiatedBy string         `json:"initiated_by"`
	Timestamp   string         `json:"timestamp"`
}

// DecodeAction decodes an action command. The binary form wins only when it
// yields a non-empty action_type; otherwise the payload is treated as JSON.
func DecodeAction(data []byte) (model.Action, error) {
	if ac, err := decodeActionBinary(data); err == nil && ac.ActionType != "" {
		return ac, nil
	}
	var dto actionJSON
	if err := json.Unmarshal(data, &dto); err != nil {
		return model.Action{}, fmt.Errorf("decode action: %w", err)
	}
	ac := model.Action{
		ActionID:    dto.ActionID,
		IncidentID:  dto.IncidentID,
		StrikerID:   dto.StrikerID,
		AlertID:     dto.AlertID,
		ActionType:  dto.ActionType,
		Parameters:  dto.Parameters,
		Status:      dto.Status,
		ResultData:  dto.ResultData,
		InitiatedBy: dto.InitiatedBy,
	}
	if t, ok := ParseTimestamp(dto.Timestamp); ok {
		ac.Timestamp = t
	}
	return ac, nil
}

func decodeActionBinary(data []byte) (model.Action, error) {
	var ac model.Action
	var ts string
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ac, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ac, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return ac, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case acActionID:
			ac.ActionID = v
		case acIncidentID:
			ac.IncidentID = v
		case acStrikerID:
			ac.StrikerID = v
		case acActionType:
			ac.ActionType = v
		case acParameters:
			ac.Parameters = decodeMap([]byte(v))
		case acStatus:
			ac.Status = v
		case acResultData:
			ac.ResultData = decodeMap([]byte(v))
		case acInitiatedBy:
			ac.InitiatedBy = v
		case acAlertID:
			ac.AlertID = v
		case acTimestamp:
			ts = v
		}
	}
	if t, ok := ParseTimestamp(ts); ok {
		ac.Timestamp = t
	}
	return ac, nil
}

// EncodeActionStatus renders st in binary wire form.
func EncodeActionStatus(st model.ActionStatus) []byte {
	var b []byte
	b = appendString(b, asActionID, st.ActionID)
	b = appendString(b, asStrikerID, st.StrikerID)
	b = appendString(b, asActionType, st.ActionType)
	b = appendString(b, asStatus, st.Status)
	b = appendJSON(b, asResultData, st.ResultData)
	if st.Evidence.Pre != nil || st.Evidence.Post != nil {
		data, err := json.Marshal(st.Evidence)
		if err == nil {
			b = protowire.AppendTag(b, asEvidence, protowire.BytesType)
			b = protowire.AppendBytes(b, data)
		}
	}
	return b
}

// DecodeActionStatus decodes a status report, binary first then JSON.
func DecodeActionStatus(data []byte) (model.ActionStatus, error) {
	if st, err := decodeActionStatusBinary(data); err == nil && st.ActionID != "" {
		return st, nil
	}
	var st model.ActionStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return model.ActionStatus{}, fmt.Errorf("decode action status: %w", err)
	}
	return st, nil
}

func decodeActionStatusBinary(data []byte) (model.ActionStatus, error) {
	var st model.ActionStatus
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return st, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return st, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return st, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case asActionID:
			st.ActionID = v
		case asStrikerID:
			st.StrikerID = v
		case asActionType:
			st.ActionType = v
		case asStatus:
			st.Status = v
		case asResultData:
			st.ResultData = decodeMap([]byte(v))
		case asEvidence:
			if err := json.Unmarshal([]byte(v), &st.Evidence); err != nil {
				st.Evidence = model.Evidence{}
			}
		}
	}
	return st, nil
}
