package scan

import (
	"context"
	"strings"

	"guardscan/internal/catalog"
	"guardscan/internal/target"
)

// ExecState tracks where the conversation state machine stopped. Every
// execution ends in StateComplete; the transcript records whether it got
// there through the single-turn or the escalated path.
type ExecState string

const (
	StateInit         ExecState = "INIT"
	StateSentInitial  ExecState = "SENT_INITIAL"
	StateSentFollowUp ExecState = "SENT_FOLLOWUP"
	StateComplete     ExecState = "COMPLETE"
)

// ExecuteCase drives one test case against the target. Single-turn cases
// send the payload and stop. Multi-turn cases check the initial response for
// the success trigger (case-insensitive substring) and, only on a match,
// escalate with the follow-up payload. A transport failure at any turn ends
// the conversation immediately with the failure recorded on the transcript.
func ExecuteCase(ctx context.Context, tc catalog.TestCase, tgt target.Target) Transcript {
	transcript := Transcript{State: StateInit}

	response, err := tgt.Send(ctx, tc.Payload)
	if err != nil {
		transcript.TransportFailure = asTransportFailure(err)
		transcript.State = StateComplete
		return transcript
	}
	transcript.Turns = append(transcript.Turns, Turn{Prompt: tc.Payload, Response: response})
	transcript.State = StateSentInitial

	if tc.SuccessTrigger != "" {
		transcript.TriggerMatched = containsFold(response, tc.SuccessTrigger)
	}

	if transcript.TriggerMatched && tc.FollowUpPayload != "" {
		transcript.State = StateSentFollowUp
		followUp, err := tgt.Send(ctx, tc.FollowUpPayload)
		if err != nil {
			transcript.TransportFailure = asTransportFailure(err)
			transcript.State = StateComplete
			return transcript
		}
		transcript.Turns = append(transcript.Turns, Turn{Prompt: tc.FollowUpPayload, Response: followUp})
		transcript.MultiTurn = true
	}

	transcript.State = StateComplete
	return transcript
}

// CombinedPayload renders the full attack side of a transcript for storage.
// Multi-turn conversations mark the escalation stage so reviewers can see
// which prompt produced the final response.
func CombinedPayload(t Transcript) string {
	if !t.MultiTurn {
		return t.FinalTurn().Prompt
	}
	var b strings.Builder
	b.WriteString("--- JAILBREAK ---\n")
	b.WriteString(t.Turns[0].Prompt)
	b.WriteString("\n--- EXPLOIT ---\n")
	b.WriteString(t.Turns[1].Prompt)
	return b.String()
}

// CombinedResponse mirrors CombinedPayload for the target's side.
func CombinedResponse(t Transcript) string {
	if !t.MultiTurn {
		return t.FinalTurn().Response
	}
	var b strings.Builder
	b.WriteString("--- JAILBREAK ---\n")
	b.WriteString(t.Turns[0].Response)
	b.WriteString("\n--- EXPLOIT ---\n")
	b.WriteString(t.Turns[1].Response)
	return b.String()
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func asTransportFailure(err error) *target.TransportError {
	if te, ok := target.AsTransportError(err); ok {
		return te
	}
	return &target.TransportError{Summary: err.Error(), Err: err}
}
