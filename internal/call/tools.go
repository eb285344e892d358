package call

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/routatel/trunkline/internal/digits"
	"github.com/routatel/trunkline/internal/engine/toolexec"
	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/pkg/types"
)

// builtinTools are the call-control tools every session offers the model.
// Handlers run on engine goroutines; anything that touches session state
// is posted onto the session loop.
func builtinTools(s *Session) []toolexec.Tool {
	return []toolexec.Tool{
		collectDigitsTool(s),
		endCallTool(s),
		transferCallTool(s),
		sendSMSTool(s),
	}
}

// digitStepArgs is the JSON shape of one collection request, used both for
// single captures and plan steps.
type digitStepArgs struct {
	Profile               string   `json:"profile"`
	MinDigits             int      `json:"min_digits"`
	MaxDigits             int      `json:"max_digits"`
	TimeoutS              int      `json:"timeout_s"`
	MaxRetries            int      `json:"max_retries"`
	Prompt                string   `json:"prompt"`
	Reprompts             []string `json:"reprompts"`
	TimeoutFailureMessage string   `json:"timeout_failure_message"`
	AllowTerminator       bool     `json:"allow_terminator"`
	MenuOptions           []string `json:"menu_options"`
	EndCallOnSuccess      *bool    `json:"end_call_on_success"`
	MaskForGPT            *bool    `json:"mask_for_gpt"`
}

type collectDigitsArgs struct {
	digitStepArgs
	Steps             []digitStepArgs `json:"steps"`
	CompletionMessage string          `json:"completion_message"`
	EndCallOnComplete bool            `json:"end_call_on_complete"`
}

func (s *Session) digitRequest(a digitStepArgs) digits.Request {
	req := digits.Request{
		Profile:               a.Profile,
		MinDigits:             a.MinDigits,
		MaxDigits:             a.MaxDigits,
		TimeoutS:              a.TimeoutS,
		MaxRetries:            a.MaxRetries,
		Prompt:                a.Prompt,
		TimeoutFailureMessage: a.TimeoutFailureMessage,
		AllowTerminator:       a.AllowTerminator,
		MenuOptions:           a.MenuOptions,
		EndCallOnSuccess:      a.EndCallOnSuccess,
		MaskForGPT:            a.MaskForGPT,
	}
	if len(a.Reprompts) > 0 {
		req.Reprompts = digits.RepromptSet{
			Invalid:    a.Reprompts,
			Incomplete: a.Reprompts,
			Timeout:    a.Reprompts,
		}
	}
	if req.TimeoutS == 0 {
		req.TimeoutS = s.defTimeoutS
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = s.defMaxRetries
	}
	return req
}

// onCaptureInstalled steers the phase once the collector has armed a
// sensitive expectation.
func (s *Session) onCaptureInstalled(profile string) {
	if spec, _ := digits.ProfileFor(profile); spec.Sensitive {
		s.setPhase(PhaseVerification)
	}
}

func collectDigitsTool(s *Session) toolexec.Tool {
	stepProps := map[string]any{
		"profile": map[string]any{
			"type":        "string",
			"description": "What is being collected: verification, ssn_last4, zip, phone, account_number, card_number, menu, or a descriptive name.",
		},
		"min_digits":  map[string]any{"type": "integer", "minimum": float64(1), "maximum": float64(32)},
		"max_digits":  map[string]any{"type": "integer", "minimum": float64(1), "maximum": float64(32)},
		"timeout_s":   map[string]any{"type": "integer", "minimum": float64(1), "maximum": float64(120)},
		"max_retries": map[string]any{"type": "integer", "minimum": float64(0), "maximum": float64(5)},
		"prompt": map[string]any{
			"type":        "string",
			"description": "Spoken to the caller when collection starts.",
		},
		"reprompts":               map[string]any{"type": "array"},
		"timeout_failure_message": map[string]any{"type": "string"},
		"allow_terminator":        map[string]any{"type": "boolean"},
		"menu_options":            map[string]any{"type": "array"},
		"end_call_on_success":     map[string]any{"type": "boolean"},
		"mask_for_gpt":            map[string]any{"type": "boolean"},
	}
	props := map[string]any{
		"steps": map[string]any{
			"type":        "array",
			"description": "Ordered multi-step plan; each entry takes the same fields as a single collection. Omit for a single capture.",
		},
		"completion_message":   map[string]any{"type": "string"},
		"end_call_on_complete": map[string]any{"type": "boolean"},
	}
	for k, v := range stepProps {
		props[k] = v
	}

	return toolexec.Tool{
		Definition: types.ToolDefinition{
			Name: "collect_digits",
			Description: "Arm keypad digit collection. The caller's key presses are validated " +
				"against the profile and returned as a system note; sensitive profiles are " +
				"masked before they reach you. Use steps for multi-field flows.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": props,
				"required":   []any{"profile"},
			},
			EstimatedDurationMs: 50,
			MaxDurationMs:       2000,
		},
		Class: toolexec.ClassCapture,
		Handler: func(ctx context.Context, args string) (string, error) {
			var a collectDigitsArgs
			if err := json.Unmarshal([]byte(args), &a); err != nil {
				return "", fault.Wrap(fault.ToolValidation, "collect_digits_args", err)
			}
			if len(a.Steps) > 0 {
				plan := digits.Plan{
					CompletionMessage: a.CompletionMessage,
					EndCallOnComplete: a.EndCallOnComplete,
					Steps:             make([]digits.Request, 0, len(a.Steps)),
				}
				sensitive := false
				for _, st := range a.Steps {
					plan.Steps = append(plan.Steps, s.digitRequest(st))
					if spec, _ := digits.ProfileFor(st.Profile); spec.Sensitive {
						sensitive = true
					}
				}
				if err := s.coll.StartPlan(ctx, plan); err != nil {
					return "", err
				}
				if sensitive {
					s.post(func(context.Context) { s.onCaptureInstalled("verification") })
				}
				return fmt.Sprintf(`{"status":"collecting","steps":%d}`, len(plan.Steps)), nil
			}
			req := s.digitRequest(a.digitStepArgs)
			if err := s.coll.Expect(ctx, req); err != nil {
				return "", err
			}
			profile := req.Profile
			s.post(func(context.Context) { s.onCaptureInstalled(profile) })
			return fmt.Sprintf(`{"status":"collecting","profile":%q}`, profile), nil
		},
	}
}

func endCallTool(s *Session) toolexec.Tool {
	return toolexec.Tool{
		Definition: types.ToolDefinition{
			Name: "end_call",
			Description: "End the call after speaking a short farewell. Use when the " +
				"caller's business is finished or they ask to hang up.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"farewell": map[string]any{
						"type":        "string",
						"description": "Final sentence spoken before hanging up.",
					},
				},
			},
			EstimatedDurationMs: 10,
			MaxDurationMs:       1000,
		},
		Class: toolexec.ClassSideEffect,
		Handler: func(ctx context.Context, args string) (string, error) {
			var a struct {
				Farewell string `json:"farewell"`
			}
			if err := json.Unmarshal([]byte(args), &a); err != nil {
				return "", fault.Wrap(fault.ToolValidation, "end_call_args", err)
			}
			text := textOr(a.Farewell, defaultFarewell)
			s.post(func(ctx context.Context) {
				s.speakFarewell(ctx, text, "assistant_end_call")
			})
			return `{"status":"ending"}`, nil
		},
	}
}

func transferCallTool(s *Session) toolexec.Tool {
	return toolexec.Tool{
		Definition: types.ToolDefinition{
			Name: "transfer_call",
			Description: "Transfer the caller to another number. The call leaves this " +
				"agent once the provider accepts the redirect.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target": map[string]any{
						"type":        "string",
						"description": "E.164 number or SIP URI to transfer to.",
					},
				},
				"required": []any{"target"},
			},
			EstimatedDurationMs: 500,
			MaxDurationMs:       5000,
		},
		Class:      toolexec.ClassSideEffect,
		RetryLimit: 1,
		Handler: func(ctx context.Context, args string) (string, error) {
			var a struct {
				Target string `json:"target"`
			}
			if err := json.Unmarshal([]byte(args), &a); err != nil {
				return "", fault.Wrap(fault.ToolValidation, "transfer_args", err)
			}
			if a.Target == "" {
				return "", fault.New(fault.ToolValidation, "transfer_target", "target must not be empty")
			}
			if s.telco == nil {
				return "", fault.New(fault.Internal, "telco_unavailable", "call actions are not configured")
			}
			if err := s.telco.Transfer(ctx, s.callSID, a.Target); err != nil {
				return "", err
			}
			target := a.Target
			s.post(func(ctx context.Context) {
				s.appendState(ctx, "transfer", map[string]string{"target": target})
				s.closing = true
				s.setPhase(PhaseClosing)
			})
			return `{"status":"transferring"}`, nil
		},
	}
}

func sendSMSTool(s *Session) toolexec.Tool {
	return toolexec.Tool{
		Definition: types.ToolDefinition{
			Name: "send_sms",
			Description: "Send a text message. Defaults to the caller's number when " +
				"to is omitted.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to":   map[string]any{"type": "string"},
					"body": map[string]any{"type": "string"},
				},
				"required": []any{"body"},
			},
			EstimatedDurationMs: 500,
			MaxDurationMs:       5000,
		},
		Class:      toolexec.ClassSideEffect,
		RetryLimit: 1,
		Handler: func(ctx context.Context, args string) (string, error) {
			var a struct {
				To   string `json:"to"`
				Body string `json:"body"`
			}
			if err := json.Unmarshal([]byte(args), &a); err != nil {
				return "", fault.Wrap(fault.ToolValidation, "send_sms_args", err)
			}
			if a.Body == "" {
				return "", fault.New(fault.ToolValidation, "sms_body", "body must not be empty")
			}
			if s.telco == nil {
				return "", fault.New(fault.Internal, "telco_unavailable", "call actions are not configured")
			}
			to := textOr(a.To, s.cfg.PhoneNumber)
			if to == "" {
				return "", fault.New(fault.ToolValidation, "sms_to", "no destination number")
			}
			if err := s.telco.SendSMS(ctx, to, a.Body); err != nil {
				return "", err
			}
			return fmt.Sprintf(`{"status":"sent","to":%q}`, to), nil
		},
	}
}
