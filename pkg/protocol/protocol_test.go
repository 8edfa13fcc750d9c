package protocol

import (
	"encoding/json"
	"testing"
)

func TestErrorMessageJSON(t *testing.T) {
	b, err := json.Marshal(NewError(CodeStreamNotFound, "no stream abc"))
	if err != nil {
		t.Fatal(err)
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m.Type != TypeError || m.Error == nil || m.Error.Code != CodeStreamNotFound {
		t.Fatalf("decoded %+v", m)
	}
	if got := m.Error.Error(); got != "stream_not_found: no stream abc" {
		t.Fatalf("Error() = %q", got)
	}
	if m.Info != nil || m.Stats != nil {
		t.Fatal("unexpected payloads")
	}
}

func TestStreamInfoOmitsEmpty(t *testing.T) {
	b, _ := json.Marshal(NewStreamInfo("s1", StreamInfo{SampleRate: 48000}))
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	info := raw["info"].(map[string]interface{})
	if _, ok := info["title"]; ok {
		t.Fatalf("empty title serialized: %s", b)
	}
	if raw["stream_id"] != "s1" || info["sample_rate"].(float64) != 48000 {
		t.Fatalf("unexpected json %s", b)
	}
}
