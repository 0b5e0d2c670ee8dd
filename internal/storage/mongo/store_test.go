package mongo

import (
	"reflect"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	tokentap "github.com/tokentap/tokentap/internal"
)

func TestBuildQueryEmptyFilter(t *testing.T) {
	t.Parallel()
	if got := buildQuery(tokentap.EventFilter{}); len(got) != 0 {
		t.Errorf("buildQuery(zero) = %v, want empty", got)
	}
}

func TestBuildQueryAllFields(t *testing.T) {
	t.Parallel()

	yes := true
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	f := tokentap.EventFilter{
		Provider:         "anthropic",
		Model:            "claude-sonnet-4",
		Program:          "claude-code",
		Project:          "acme",
		DeviceID:         "device-abc",
		CaptureMode:      "known",
		IsTokenConsuming: &yes,
		DateFrom:         from,
		DateTo:           to,
	}
	got := buildQuery(f)
	want := bson.M{
		"provider":           "anthropic",
		"model":              "claude-sonnet-4",
		"program":            "claude-code",
		"project":            "acme",
		"device_id":          "device-abc",
		"capture_mode":       "known",
		"is_token_consuming": true,
		"timestamp":          bson.M{"$gte": from, "$lte": to},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("buildQuery = %v, want %v", got, want)
	}
}

func TestBuildQueryDateFromOnly(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	got := buildQuery(tokentap.EventFilter{DateFrom: from})
	ts, ok := got["timestamp"].(bson.M)
	if !ok {
		t.Fatalf("timestamp clause = %v", got["timestamp"])
	}
	if ts["$gte"] != from {
		t.Errorf("$gte = %v, want %v", ts["$gte"], from)
	}
	if _, has := ts["$lte"]; has {
		t.Error("unexpected $lte without DateTo")
	}
}

func TestBuildQueryFalseTokenConsuming(t *testing.T) {
	t.Parallel()

	no := false
	got := buildQuery(tokentap.EventFilter{IsTokenConsuming: &no})
	if got["is_token_consuming"] != false {
		t.Errorf("is_token_consuming = %v, want false", got["is_token_consuming"])
	}
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	names := map[string]string{"device-abcdef123456": "laptop"}
	if got := displayName(names, "device-abcdef123456"); got != "laptop" {
		t.Errorf("displayName custom = %q", got)
	}
	if got := displayName(names, "device-unnamed99"); got != "Device device-u" {
		t.Errorf("displayName fallback = %q", got)
	}
	if got := displayName(names, "short"); got != "Device short" {
		t.Errorf("displayName short id = %q", got)
	}
}
