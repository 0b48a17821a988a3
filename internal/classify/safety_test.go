package classify

import "testing"

func TestParseSafetyReply(t *testing.T) {
	verdict, err := parseSafetyReply("unsafe\nS9")
	if err != nil {
		t.Fatalf("parseSafetyReply: %v", err)
	}
	if verdict.Kind != KindMatch || verdict.Label != "S9" {
		t.Fatalf("unexpected verdict %+v", verdict)
	}

	verdict, err = parseSafetyReply("safe")
	if err != nil {
		t.Fatalf("parseSafetyReply: %v", err)
	}
	if verdict.Kind != KindNoMatch {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
}
