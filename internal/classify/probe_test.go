package classify

import "testing"

func TestProbeVerdict(t *testing.T) {
	v := probeVerdict(probeResponse{
		Detectors:      map[string]float64{"sqli_echo": 0.97, "refusal_v2": 0.1},
		DeepScanStatus: "completed",
	})
	if v.Kind != KindMatch || v.Label != "sqli_echo" || v.Confidence != 0.97 {
		t.Fatalf("unexpected verdict %+v", v)
	}

	v = probeVerdict(probeResponse{Detectors: map[string]float64{"xss_markdown_basic": 0.2}})
	if v.Kind != KindNoMatch || v.Label != LabelSafe {
		t.Fatalf("unexpected verdict %+v", v)
	}

	v = probeVerdict(probeResponse{})
	if v.Kind != KindNoMatch {
		t.Fatalf("expected NO_MATCH for empty detectors, got %+v", v)
	}
}
