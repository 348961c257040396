package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-interview/pkg/core/types"
)

func TestClassify_BinaryJSONIsControl(t *testing.T) {
	frame := Classify(true, []byte(`{"setupComplete":{}}`))
	if frame.Kind != FrameControl {
		t.Fatalf("kind=%s, want control", frame.Kind)
	}
	if !frame.Message.IsSetupComplete() {
		t.Fatal("expected setupComplete")
	}
}

func TestClassify_BinaryNonJSONIsAudio(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0xff, 0x7f, 0x00, 0x80}
	frame := Classify(true, pcm)
	if frame.Kind != FrameAudio {
		t.Fatalf("kind=%s, want audio", frame.Kind)
	}
	if string(frame.Audio) != string(pcm) {
		t.Fatal("audio frame must carry the original bytes")
	}

	// Brace-delimited bytes that are not JSON are still audio.
	frame = Classify(true, []byte("{\x00\x01}"))
	if frame.Kind != FrameAudio {
		t.Fatalf("kind=%s, want audio", frame.Kind)
	}
}

func TestClassify_BinaryFrames(t *testing.T) {
	tests := []struct {
		name string
		data string
		want FrameKind
	}{
		{"control object", `{"serverContent":{"turnComplete":true}}`, FrameControl},
		{"padded control object", " {\"setupComplete\":{}}\n", FrameControl},
		{"json with mismatched field types", `{"serverContent":"oops"}`, FrameMalformed},
		{"truncated object", `{"serverContent":{}`, FrameAudio},
		{"braces around pcm", "{\x00\x01}", FrameAudio},
		{"empty", "", FrameMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := Classify(true, []byte(tt.data))
			if frame.Kind != tt.want {
				t.Fatalf("kind=%s, want %s", frame.Kind, tt.want)
			}
			if tt.want == FrameMalformed && frame.Err == nil {
				t.Fatal("malformed frame must carry an error")
			}
			if tt.want != FrameAudio && frame.Audio != nil {
				t.Fatal("only audio frames carry audio")
			}
		})
	}
}

func TestClassify_TextParseFailureIsMalformed(t *testing.T) {
	frame := Classify(false, []byte(`{"serverContent":`))
	if frame.Kind != FrameMalformed || frame.Err == nil {
		t.Fatalf("frame=%+v, want malformed with error", frame)
	}
	if Classify(true, nil).Kind != FrameMalformed {
		t.Fatal("empty binary frame should be malformed")
	}
}

func TestClassify_ServerContent(t *testing.T) {
	raw := `{"serverContent":{"modelTurn":{"parts":[
		{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAEC"}},
		{"text":"Hello"}
	]},"turnComplete":true}}`
	frame := Classify(false, []byte(raw))
	if frame.Kind != FrameControl {
		t.Fatalf("kind=%s", frame.Kind)
	}
	sc := frame.Message.ServerContent
	if sc == nil || sc.ModelTurn == nil || len(sc.ModelTurn.Parts) != 2 {
		t.Fatalf("serverContent=%+v", sc)
	}
	if sc.ModelTurn.Parts[0].InlineData.MimeType != "audio/pcm;rate=24000" {
		t.Fatalf("mime=%q", sc.ModelTurn.Parts[0].InlineData.MimeType)
	}
	if sc.ModelTurn.Parts[1].Text != "Hello" || !sc.TurnComplete {
		t.Fatalf("parts=%+v turnComplete=%v", sc.ModelTurn.Parts, sc.TurnComplete)
	}
	if frame.Message.IsSetupComplete() {
		t.Fatal("serverContent is not setupComplete")
	}
}

func TestServerMessage_IsSetupComplete(t *testing.T) {
	for raw, want := range map[string]bool{
		`{"setupComplete":true}`:  true,
		`{"setupComplete":{}}`:    true,
		`{"setupComplete":false}`: false,
		`{"setupComplete":null}`:  false,
		`{}`:                      false,
	} {
		var msg ServerMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			t.Fatal(err)
		}
		if got := msg.IsSetupComplete(); got != want {
			t.Errorf("%s: IsSetupComplete=%v, want %v", raw, got, want)
		}
	}
}

func TestGoAway_Remaining(t *testing.T) {
	if got := (&GoAway{TimeLeft: "12.5s"}).Remaining(); got != 12500*time.Millisecond {
		t.Fatalf("Remaining=%s", got)
	}
	if got := (&GoAway{TimeLeft: "soon"}).Remaining(); got != 0 {
		t.Fatalf("Remaining=%s, want 0", got)
	}
}

func TestNewSetup_WireShape(t *testing.T) {
	msg := NewSetup(SetupParams{
		Model:        "models/test",
		Modalities:   []string{"audio"},
		Voice:        "Puck",
		SystemPrompt: "be nice",
	})
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	for _, want := range []string{`"setup"`, `"model":"models/test"`, `"response_modalities":["AUDIO"]`, `"Puck"`, `"be nice"`} {
		if !strings.Contains(s, want) {
			t.Fatalf("setup %s missing %s", s, want)
		}
	}
	if strings.Contains(s, "realtime_input") || strings.Contains(s, "client_content") {
		t.Fatalf("setup frame carries other messages: %s", s)
	}
}

func TestNewRealtimeInput_WireShape(t *testing.T) {
	raw, err := json.Marshal(NewRealtimeInput("AAEC"))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"realtime_input":{"media_chunks":[{"mime_type":"audio/pcm","data":"AAEC"}]}}`
	if string(raw) != want {
		t.Fatalf("got %s, want %s", raw, want)
	}
}

func TestNewClientText_WireShape(t *testing.T) {
	raw, err := json.Marshal(NewClientText("next question", true))
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	for _, want := range []string{`"client_content"`, `"turn_complete":true`, `"next question"`, `"user"`} {
		if !strings.Contains(s, want) {
			t.Fatalf("client_content %s missing %s", s, want)
		}
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	ic := types.InterviewContext{
		InterviewID: "int_1",
		JobTitle:    "Site Reliability Engineer",
		CompanyName: "Acme",
		FocusAreas:  []string{"Linux", "Networking", "Go"},
		Difficulty:  types.DifficultyMedium,
		Questions:   []types.Question{{ID: "q1", QuestionText: "How does TCP slow start work?"}},
	}
	prompt := BuildSystemPrompt(ic)
	for _, want := range []string{
		"Site Reliability Engineer",
		"Linux, Networking, Go",
		"MEDIUM",
		"Acme",
		"How does TCP slow start work?",
		"1 of 1",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildQuestionNotice(t *testing.T) {
	ic := types.InterviewContext{
		JobTitle:             "Engineer",
		Difficulty:           types.DifficultyJunior,
		Questions:            []types.Question{{QuestionText: "first"}, {QuestionText: "second"}},
		CurrentQuestionIndex: 1,
	}
	notice := BuildQuestionNotice(ic)
	if !strings.Contains(notice, "2 of 2") || !strings.Contains(notice, "second") {
		t.Fatalf("notice=%q", notice)
	}
}
