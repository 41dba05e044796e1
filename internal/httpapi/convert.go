package httpapi

import (
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

// ── Status ───────────────────────────────────────────────────────────────────

func statusToStruct(st types.DispenserStatus) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"dispenser_id":  st.DispenserID,
		"liquid_label":  st.LiquidLabel,
		"state":         st.State,
		"valve_open":    st.ValveOpen,
		"flow_rate":     st.FlowRate,
		"cumulative_ml": st.CumulativeMl,
		"uid":           st.UID,
		"session_id":    st.SessionID,
		"consumed_ml":   st.ConsumedMl,
		"quota_ml":      st.QuotaMl,
		"message":       st.Message,
		"faulted":       st.Faulted,
		"server_time":   st.ServerTime,
	})
}
