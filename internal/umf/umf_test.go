package umf

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	m := New("red:[get]/v1/red/hello", "client:/")
	if m.MID == "" {
		t.Error("expected mid to be assigned")
	}
	if m.Version != Version {
		t.Errorf("expected version %q, got %q", Version, m.Version)
	}
	if m.Timestamp == "" {
		t.Error("expected timestamp to be set")
	}
	if m.To != "red:[get]/v1/red/hello" || m.From != "client:/" {
		t.Errorf("unexpected routing fields: to=%q from=%q", m.To, m.From)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want error
	}{
		{"valid", Message{To: "a:/", From: "b:/", Body: map[string]any{}}, nil},
		{"missing to", Message{From: "b:/", Body: map[string]any{}}, ErrMissingTo},
		{"missing from", Message{To: "a:/", Body: map[string]any{}}, ErrMissingFrom},
		{"missing body", Message{To: "a:/", From: "b:/"}, ErrMissingBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.msg.Validate(); err != tt.want {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUnmarshal_LongForm(t *testing.T) {
	data := []byte(`{
		"mid": "m1", "rmid": "m0",
		"to": "red:/", "from": "blue:/",
		"via": "x@gateway:/", "forward": "abc@client:/",
		"type": "msg", "version": "UMF/1.4.6",
		"timestamp": "2026-01-01T00:00:00Z",
		"signature": "deadbeef",
		"authorization": "Bearer tok",
		"headers": {"content-type": "application/json"},
		"timeout": 7,
		"body": {"x": 1}
	}`)
	m, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m.From != "blue:/" || m.Forward != "abc@client:/" || m.Type != "msg" {
		t.Errorf("long keys not parsed: %+v", m)
	}
	if m.Timestamp != "2026-01-01T00:00:00Z" || m.Signature != "deadbeef" {
		t.Errorf("long keys not parsed: %+v", m)
	}
	if m.Authorization != "Bearer tok" || m.Timeout != 7 {
		t.Errorf("envelope fields not parsed: %+v", m)
	}
	if m.BodyMap()["x"] != float64(1) {
		t.Errorf("body not parsed: %v", m.Body)
	}
}

func TestUnmarshal_ShortForm(t *testing.T) {
	data := []byte(`{
		"mid": "m1",
		"to": "red:/", "frm": "blue:/",
		"fwd": "abc@client:/", "typ": "ping",
		"ver": "UMF/1.4.6", "ts": "2026-01-01T00:00:00Z",
		"sig": "cafe",
		"bdy": {"ok": true}
	}`)
	m, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m.From != "blue:/" || m.Forward != "abc@client:/" || m.Type != "ping" {
		t.Errorf("short keys not parsed: %+v", m)
	}
	if m.Version != "UMF/1.4.6" || m.Timestamp != "2026-01-01T00:00:00Z" || m.Signature != "cafe" {
		t.Errorf("short keys not parsed: %+v", m)
	}
	if m.BodyMap()["ok"] != true {
		t.Errorf("bdy not parsed: %v", m.Body)
	}
}

func TestMarshal_EmitsShortForm(t *testing.T) {
	m := New("red:/", "blue:/")
	m.Body = map[string]any{"x": 1}
	m.Type = "msg"
	m.Forward = "abc@client:/"

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, key := range []string{`"frm"`, `"typ"`, `"ver"`, `"ts"`, `"bdy"`, `"fwd"`} {
		if !strings.Contains(s, key) {
			t.Errorf("expected short key %s in %s", key, s)
		}
	}
	for _, key := range []string{`"from"`, `"version"`, `"timestamp"`, `"body"`, `"forward"`} {
		if strings.Contains(s, key) {
			t.Errorf("did not expect long key %s in %s", key, s)
		}
	}

	// The short form must round-trip.
	back, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal round trip: %v", err)
	}
	if back.From != m.From || back.Type != m.Type || back.Forward != m.Forward {
		t.Errorf("round trip mismatch: %+v vs %+v", back, m)
	}
}

func TestSignVerify(t *testing.T) {
	m := New("red:/", "blue:/")
	m.Body = map[string]any{"x": 1}

	if err := m.Sign("secret"); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if m.Signature == "" {
		t.Fatal("expected signature to be set")
	}
	if m.Signature != strings.ToLower(m.Signature) {
		t.Error("signature must be lowercase hex")
	}
	if !m.Verify("secret") {
		t.Error("expected signature to verify")
	}
	if m.Verify("wrong") {
		t.Error("expected verification failure with wrong secret")
	}

	m.Body = map[string]any{"x": 2}
	if m.Verify("secret") {
		t.Error("expected verification failure after body mutation")
	}
}

func TestVerify_Unsigned(t *testing.T) {
	m := New("red:/", "blue:/")
	m.Body = map[string]any{}
	if m.Verify("secret") {
		t.Error("unsigned frame must not verify")
	}
}

func TestParseRoute(t *testing.T) {
	tests := []struct {
		in   string
		want Route
	}{
		{"red", Route{Service: "red"}},
		{"red:/", Route{Service: "red", APIRoute: "/"}},
		{"red:[get]/v1/red/hello", Route{Service: "red", HTTPMethod: "get", APIRoute: "/v1/red/hello"}},
		{"ab12@red:/v1/x", Route{Instance: "ab12", Service: "red", APIRoute: "/v1/x"}},
		{"ab12-cl9@gateway:/", Route{Instance: "ab12", SubID: "cl9", Service: "gateway", APIRoute: "/"}},
		{"red:[POST]/submit", Route{Service: "red", HTTPMethod: "post", APIRoute: "/submit"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRoute(tt.in)
			if err != nil {
				t.Fatalf("ParseRoute(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseRoute(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseRoute_Errors(t *testing.T) {
	for _, in := range []string{"", "@:/", "red:[get/broken"} {
		if _, err := ParseRoute(in); err == nil {
			t.Errorf("ParseRoute(%q): expected error", in)
		}
	}
}

func TestRouteString_RoundTrip(t *testing.T) {
	for _, in := range []string{
		"red",
		"red:/v1/x",
		"red:[get]/v1/x",
		"ab12@red:[post]/v1/x",
		"ab12-cl9@gateway:/",
	} {
		r, err := ParseRoute(in)
		if err != nil {
			t.Fatalf("ParseRoute(%q): %v", in, err)
		}
		back, err := ParseRoute(r.String())
		if err != nil {
			t.Fatalf("ParseRoute(String()) on %q: %v", in, err)
		}
		if back != r {
			t.Errorf("round trip mismatch for %q: %+v vs %+v", in, back, r)
		}
	}
}
