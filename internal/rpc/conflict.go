package rpc

import (
	"encoding/json"
	"strconv"

	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/models"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	metaServerVersion = "serverVersion"
	metaEntityType    = "entityType"
	metaEntityID      = "entityId"
)

// ConflictStatus encodes ce as codes.Aborted with an ErrorInfo detail
// (reason VERSION_CONFLICT) and, when present, the server snapshot as a
// Struct detail so the client can merge without another round trip.
func ConflictStatus(ce *common.ConflictError) error {
	st := status.New(codes.Aborted, ce.Error())

	details := []protoadapt.MessageV1{&errdetails.ErrorInfo{
		Reason: common.VersionConflictReason,
		Domain: ServiceName,
		Metadata: map[string]string{
			metaServerVersion: strconv.FormatInt(ce.ServerVersion, 10),
			metaEntityType:    string(ce.EntityType),
			metaEntityID:      ce.EntityID,
		},
	}}
	if ce.Snapshot != nil {
		if snap, err := envelopeToStruct(*ce.Snapshot); err == nil {
			details = append(details, snap)
		}
	}

	withDetails, err := st.WithDetails(details...)
	if err != nil {
		return st.Err()
	}
	return withDetails.Err()
}

// ConflictFromStatus decodes an error produced by ConflictStatus.
func ConflictFromStatus(err error) (*common.ConflictError, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Aborted {
		return nil, false
	}

	var ce *common.ConflictError
	var snapshot *models.Envelope
	for _, d := range st.Details() {
		switch v := d.(type) {
		case *errdetails.ErrorInfo:
			if v.GetReason() != common.VersionConflictReason {
				continue
			}
			sv, perr := strconv.ParseInt(v.GetMetadata()[metaServerVersion], 10, 64)
			if perr != nil {
				continue
			}
			ce = &common.ConflictError{
				EntityType:    models.EntityType(v.GetMetadata()[metaEntityType]),
				EntityID:      v.GetMetadata()[metaEntityID],
				ServerVersion: sv,
			}
		case *structpb.Struct:
			if env, derr := structToEnvelope(v); derr == nil {
				snapshot = &env
			}
		}
	}
	if ce == nil {
		return nil, false
	}
	ce.Snapshot = snapshot
	return ce, true
}

func envelopeToStruct(env models.Envelope) (*structpb.Struct, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func structToEnvelope(s *structpb.Struct) (models.Envelope, error) {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return models.Envelope{}, err
	}
	var env models.Envelope
	err = json.Unmarshal(b, &env)
	return env, err
}
