package events

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

// ContentTypeProtobuf marks a body holding a google.protobuf.Struct encoded
// event.
const ContentTypeProtobuf = "application/x-protobuf"

// ToStruct maps ev onto a protobuf Struct. Units travel as decimal strings
// so balances never pass through a float.
func ToStruct(ev types.Event) (*structpb.Struct, error) {
	m := map[string]any{
		"id":           ev.ID,
		"type":         string(ev.Type),
		"dispenser_id": ev.DispenserID,
		"uid":          ev.UID,
		"session_id":   ev.SessionID,
		"volume_ml":    ev.VolumeMl,
		"flow_rate":    ev.FlowRate,
		"valve_open":   ev.ValveOpen,
		"message":      ev.Message,
		"at":           ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.ChargedUnits != nil {
		m["charged_units"] = ev.ChargedUnits.String()
	}
	if ev.Balance != nil {
		m["balance"] = ev.Balance.String()
	}
	return structpb.NewStruct(m)
}

func FromStruct(s *structpb.Struct) (types.Event, error) {
	f := s.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }

	ev := types.Event{
		ID:          str("id"),
		Type:        types.EventType(str("type")),
		DispenserID: str("dispenser_id"),
		UID:         str("uid"),
		SessionID:   str("session_id"),
		VolumeMl:    f["volume_ml"].GetNumberValue(),
		FlowRate:    f["flow_rate"].GetNumberValue(),
		ValveOpen:   f["valve_open"].GetBoolValue(),
		Message:     str("message"),
	}
	if at := str("at"); at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return types.Event{}, fmt.Errorf("event at: %w", err)
		}
		ev.At = t
	}
	for key, dst := range map[string]**types.Units{"charged_units": &ev.ChargedUnits, "balance": &ev.Balance} {
		v, ok := f[key]
		if !ok {
			continue
		}
		u, err := types.ParseUnits(v.GetStringValue())
		if err != nil {
			return types.Event{}, fmt.Errorf("event %s: %w", key, err)
		}
		*dst = &u
	}
	return ev, nil
}

func MarshalProto(ev types.Event) ([]byte, error) {
	s, err := ToStruct(ev)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func UnmarshalProto(b []byte) (types.Event, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return types.Event{}, err
	}
	return FromStruct(&s)
}
