package grpc_control

import (
	"encoding/json"
	"fmt"

	"instrument-gateway/src/models"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Payload shapes carried inside google.protobuf.Struct. Field names follow the
// HTTP API.

type StatusResponse struct {
	Connection    *models.MConnectionStatus `json:"connection"`
	Arbiter       models.MArbiterStats      `json:"arbiter"`
	ActiveStreams int                       `json:"active_streams"`
	PowerStreams  int                       `json:"power_streams"`
	HealthStreams int                       `json:"health_streams"`
}

type ListSubscribersResponse struct {
	Subscribers []models.MSubscriberInfo `json:"subscribers"`
}

type DisconnectSubscriberResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ExchangeRequest struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeout_ms"`
}

type ExchangeResponse struct {
	Command  string `json:"command"`
	Response string `json:"response"`
}

// -----------------------------------------------------------------------------
// Struct conversion
// -----------------------------------------------------------------------------

// toStruct encodes v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// fromStruct decodes s into out through its JSON form.
func fromStruct(s *structpb.Struct, out any) error {
	if s == nil {
		return nil
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %T: %w", out, err)
	}
	return nil
}
