package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/pkg/provider/telco"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "token"); err == nil {
		t.Error("expected error for empty accountSID")
	}
	if _, err := New("AC123", ""); err == nil {
		t.Error("expected error for empty authToken")
	}
	p, err := New("AC123", "token")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "twilio" {
		t.Errorf("Name() = %q, want twilio", p.Name())
	}
}

func TestPlaceCall_FormAndResponse(t *testing.T) {
	t.Parallel()

	var gotForm url.Values
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = r.PostForm
		if user, pass, ok := r.BasicAuth(); !ok || user != "AC123" || pass != "token" {
			t.Errorf("basic auth = %q/%q, want AC123/token", user, pass)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA999","status":"queued"}`))
	}))
	defer srv.Close()

	p, _ := New("AC123", "token", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	res, err := p.PlaceCall(context.Background(), telco.CallRequest{
		To:                "+15550001111",
		From:              "+15552223333",
		AnswerURL:         "https://host/webhook/twilio-voice",
		StatusCallbackURL: "https://host/webhook/twilio-status",
		MachineDetection:  true,
		TimeoutS:          25,
	})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}

	if res.ProviderCallID != "CA999" || res.Status != "queued" {
		t.Errorf("result = %+v", res)
	}
	if want := "/2010-04-01/Accounts/AC123/Calls.json"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	if gotForm.Get("To") != "+15550001111" || gotForm.Get("From") != "+15552223333" {
		t.Errorf("numbers = %q -> %q", gotForm.Get("From"), gotForm.Get("To"))
	}
	if gotForm.Get("Url") != "https://host/webhook/twilio-voice" {
		t.Errorf("Url = %q", gotForm.Get("Url"))
	}
	if gotForm.Get("MachineDetection") != "Enable" {
		t.Errorf("MachineDetection = %q, want Enable", gotForm.Get("MachineDetection"))
	}
	if gotForm.Get("Timeout") != "25" {
		t.Errorf("Timeout = %q, want 25", gotForm.Get("Timeout"))
	}
	if events := gotForm["StatusCallbackEvent"]; len(events) != 4 {
		t.Errorf("StatusCallbackEvent = %v, want 4 entries", events)
	}
}

func TestPlaceCall_ErrorKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		kind   fault.Kind
	}{
		{"server error is transient", http.StatusBadGateway, fault.ProviderTransient},
		{"rate limit is transient", http.StatusTooManyRequests, fault.ProviderTransient},
		{"bad request is permanent", http.StatusBadRequest, fault.ProviderPermanent},
		{"auth failure is permanent", http.StatusUnauthorized, fault.ProviderPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"code":21211,"message":"nope"}`))
			}))
			defer srv.Close()

			p, _ := New("AC123", "token", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
			_, err := p.PlaceCall(context.Background(), telco.CallRequest{To: "+1", From: "+2"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := fault.KindOf(err); got != tt.kind {
				t.Errorf("kind = %v, want %v", got, tt.kind)
			}
		})
	}
}

func TestUpdateCall_SendsTwiml(t *testing.T) {
	t.Parallel()

	var gotTwiml string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotTwiml = r.PostForm.Get("Twiml")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sid":"CA1","status":"in-progress"}`))
	}))
	defer srv.Close()

	p, _ := New("AC123", "token", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	if err := p.UpdateCall(context.Background(), "CA1", "<Response><Hangup/></Response>"); err != nil {
		t.Fatalf("UpdateCall: %v", err)
	}
	if gotTwiml != "<Response><Hangup/></Response>" {
		t.Errorf("Twiml = %q", gotTwiml)
	}
}

func TestSendSMS_ParsesSegments(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM42","status":"queued","num_segments":"2"}`))
	}))
	defer srv.Close()

	p, _ := New("AC123", "token", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	res, err := p.SendSMS(context.Background(), telco.SMSRequest{To: "+1", From: "+2", Body: "hello"})
	if err != nil {
		t.Fatalf("SendSMS: %v", err)
	}
	if res.ProviderMessageID != "SM42" || res.Segments != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestSendMedia_NoStream(t *testing.T) {
	t.Parallel()

	p, _ := New("AC123", "token")
	err := p.SendMedia(context.Background(), "CAmissing", []byte("audio"))
	if !errors.Is(err, telco.ErrNoStream) {
		t.Errorf("err = %v, want ErrNoStream", err)
	}
}

// twilioSign builds the signature Twilio would attach: URL concatenated
// with key+value in lexical key order, HMAC-SHA1, base64.
func twilioSign(token, fullURL string, params url.Values) string {
	concat := fullURL
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range params[k] {
			concat += k + v
		}
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(concat))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature_ConcatenationOrder(t *testing.T) {
	t.Parallel()

	// The signed string appends parameters in lexical key order.
	params := url.Values{}
	params.Set("CallSid", "CA1")
	params.Set("Digits", "5")

	mac := hmac.New(sha1.New, []byte("token"))
	mac.Write([]byte("https://host/webhook/twilio-gatherCallSidCA1Digits5"))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !validateSignature("token", "https://host/webhook/twilio-gather", params, sig) {
		t.Error("expected signature built from lexical concatenation to validate")
	}
}

func TestVerifyWebhook(t *testing.T) {
	t.Parallel()

	p, _ := New("AC123", "secret-token", WithPublicHost("voice.example.com"))

	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("CallStatus", "completed")
	body := form.Encode()

	makeReq := func(sig string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "https://ignored/webhook/twilio-status", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if sig != "" {
			r.Header.Set(signatureHeader, sig)
		}
		return r
	}

	goodSig := twilioSign("secret-token", "https://voice.example.com/webhook/twilio-status", form)

	if err := p.VerifyWebhook(makeReq(goodSig), []byte(body)); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	if err := p.VerifyWebhook(makeReq("bogus"), []byte(body)); err == nil {
		t.Error("expected rejection for wrong signature")
	} else if fault.KindOf(err) != fault.Auth {
		t.Errorf("kind = %v, want auth", fault.KindOf(err))
	}

	if err := p.VerifyWebhook(makeReq(""), []byte(body)); err == nil {
		t.Error("expected rejection for missing signature header")
	}

	// Tampered body no longer matches.
	tampered := url.Values{}
	tampered.Set("CallSid", "CA1")
	tampered.Set("CallStatus", "failed")
	if err := p.VerifyWebhook(makeReq(goodSig), []byte(tampered.Encode())); err == nil {
		t.Error("expected rejection for tampered body")
	}
}
