package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/events"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

// maxRequestBody caps request bodies for both encodings. An event is a few
// hundred bytes either way.
const maxRequestBody = 16 << 10

// isProtobuf reports whether the request body is protobuf encoded.
func isProtobuf(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct == events.ContentTypeProtobuf ||
		ct == "application/protobuf" ||
		ct == "application/octet-stream"
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, events.ContentTypeProtobuf) || strings.Contains(accept, "application/protobuf")
}

// readProto reads the request body and unmarshals it into msg.
func readProto(r *http.Request, msg proto.Message) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	return proto.Unmarshal(body, msg)
}

// writeProto marshals msg and writes it with the given HTTP status.
func writeProto(w http.ResponseWriter, status int, msg proto.Message) {
	data, err := proto.Marshal(msg)
	if err != nil {
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", events.ContentTypeProtobuf)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// readEvent decodes an event body in either encoding.
func readEvent(w http.ResponseWriter, r *http.Request) (types.Event, error) {
	if isProtobuf(r) {
		var s structpb.Struct
		if err := readProto(r, &s); err != nil {
			return types.Event{}, fmt.Errorf("invalid protobuf body: %w", err)
		}
		return events.FromStruct(&s)
	}

	var ev types.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		return types.Event{}, fmt.Errorf("invalid JSON body")
	}
	return ev, nil
}
