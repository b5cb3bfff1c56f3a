package report

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/fwforge/internal/device"
	"github.com/oshokin/fwforge/internal/install"
)

// marshalOptions keeps stored documents readable.
var marshalOptions = protojson.MarshalOptions{
	Multiline:       true,
	Indent:          "  ",
	EmitUnpopulated: true,
}

func encode(report *install.Report) ([]byte, error) {
	message, err := toProto(report)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}

	data, err := marshalOptions.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}

	return data, nil
}

func decode(data []byte) (*install.Report, error) {
	var message structpb.Struct
	if err := protojson.Unmarshal(data, &message); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}

	report, err := fromProto(&message)
	if err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}

	return report, nil
}

// toProto converts the report into a protobuf Struct.
func toProto(report *install.Report) (*structpb.Struct, error) {
	warnings := make([]any, 0, len(report.Warnings))
	for _, w := range report.Warnings {
		warnings = append(warnings, map[string]any{
			"code":    string(w.Code),
			"state":   string(w.State),
			"message": w.Message,
		})
	}

	transitions := make([]any, 0, len(report.Transitions))
	for _, t := range report.Transitions {
		transitions = append(transitions, map[string]any{
			"from": string(t.From),
			"to":   string(t.To),
			"at":   formatTime(t.At),
		})
	}

	log := make([]any, 0, len(report.Log))
	for _, line := range report.Log {
		log = append(log, line)
	}

	var failure any
	if report.Failure != nil {
		failure = map[string]any{
			"reason":     string(report.Failure.Reason),
			"state":      string(report.Failure.State),
			"diagnostic": report.Failure.Diagnostic,
		}
	}

	return structpb.NewStruct(map[string]any{
		"session_id":   report.SessionID,
		"tool_version": report.ToolVersion,
		"state":        string(report.State),
		"device": map[string]any{
			"id":           report.Device.ID,
			"product_type": report.Device.ProductType,
			"os_version":   report.Device.OSVersion,
		},
		"operator": map[string]any{
			"hostname": report.Operator.Hostname,
			"username": report.Operator.Username,
		},
		"post_flash_os_version": report.PostFlashOSVersion,
		"artifact_path":         report.ArtifactPath,
		"artifact_size":         report.ArtifactSize,
		"backup_path":           report.BackupPath,
		"backup_succeeded":      report.BackupSucceeded,
		"warnings":              warnings,
		"failure":               failure,
		"transitions":           transitions,
		"log":                   log,
		"started_at":            formatTime(report.StartedAt),
		"finished_at":           formatTime(report.FinishedAt),
		"duration":              report.Duration.String(),
	})
}

// fromProto converts a protobuf Struct back into a report.
func fromProto(message *structpb.Struct) (*install.Report, error) {
	fields := message.GetFields()

	report := &install.Report{
		SessionID:          fields["session_id"].GetStringValue(),
		ToolVersion:        fields["tool_version"].GetStringValue(),
		State:              install.State(fields["state"].GetStringValue()),
		PostFlashOSVersion: fields["post_flash_os_version"].GetStringValue(),
		ArtifactPath:       fields["artifact_path"].GetStringValue(),
		ArtifactSize:       int64(fields["artifact_size"].GetNumberValue()),
		BackupPath:         fields["backup_path"].GetStringValue(),
		BackupSucceeded:    fields["backup_succeeded"].GetBoolValue(),
		Warnings:           []install.Warning{},
	}

	if d := fields["device"].GetStructValue().GetFields(); d != nil {
		report.Device = device.Identity{
			ID:          d["id"].GetStringValue(),
			ProductType: d["product_type"].GetStringValue(),
			OSVersion:   d["os_version"].GetStringValue(),
		}
	}

	if op := fields["operator"].GetStructValue().GetFields(); op != nil {
		report.Operator = install.Operator{
			Hostname: op["hostname"].GetStringValue(),
			Username: op["username"].GetStringValue(),
		}
	}

	for _, v := range fields["warnings"].GetListValue().GetValues() {
		w := v.GetStructValue().GetFields()
		report.Warnings = append(report.Warnings, install.Warning{
			Code:    install.WarningCode(w["code"].GetStringValue()),
			State:   install.State(w["state"].GetStringValue()),
			Message: w["message"].GetStringValue(),
		})
	}

	if f := fields["failure"].GetStructValue().GetFields(); f != nil {
		report.Failure = &install.Failure{
			Reason:     install.Reason(f["reason"].GetStringValue()),
			State:      install.State(f["state"].GetStringValue()),
			Diagnostic: f["diagnostic"].GetStringValue(),
		}
	}

	for _, v := range fields["transitions"].GetListValue().GetValues() {
		t := v.GetStructValue().GetFields()

		at, err := parseTime(t["at"].GetStringValue())
		if err != nil {
			return nil, err
		}

		report.Transitions = append(report.Transitions, install.Transition{
			From: install.State(t["from"].GetStringValue()),
			To:   install.State(t["to"].GetStringValue()),
			At:   at,
		})
	}

	for _, v := range fields["log"].GetListValue().GetValues() {
		report.Log = append(report.Log, v.GetStringValue())
	}

	var err error

	if report.StartedAt, err = parseTime(fields["started_at"].GetStringValue()); err != nil {
		return nil, err
	}

	if report.FinishedAt, err = parseTime(fields["finished_at"].GetStringValue()); err != nil {
		return nil, err
	}

	if duration := fields["duration"].GetStringValue(); duration != "" {
		if report.Duration, err = time.ParseDuration(duration); err != nil {
			return nil, fmt.Errorf("parse duration: %w", err)
		}
	}

	return report, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}

	return t, nil
}
