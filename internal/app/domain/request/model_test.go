package request

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusSucceeded, false},
		{StatusPending, StatusFailed, false},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusRunning, true},
		{StatusSucceeded, StatusRunning, false},
		{StatusFailed, StatusPending, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusSucceeded, StatusSucceeded, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestServiceTypeValid(t *testing.T) {
	for _, st := range ServiceTypes {
		if !st.Valid() {
			t.Fatalf("%s should be valid", st)
		}
	}
	if ServiceType("lottery").Valid() {
		t.Fatal("unknown service type accepted")
	}
}

func TestCloneIsDeep(t *testing.T) {
	req := &Request{
		ID:       "req_1",
		Payload:  map[string]any{"targets": []any{map[string]any{"address": "A"}}},
		Metadata: map[string]string{"k": "v"},
	}
	cp := req.Clone()
	cp.Payload["targets"].([]any)[0].(map[string]any)["address"] = "B"
	cp.Metadata["k"] = "x"

	if req.Payload["targets"].([]any)[0].(map[string]any)["address"] != "A" {
		t.Fatal("payload shared between clones")
	}
	if req.Metadata["k"] != "v" {
		t.Fatal("metadata shared between clones")
	}
}

func TestCallbackTarget(t *testing.T) {
	r := &Request{CallbackHash: "0xabc:onRandom"}
	c, m := r.CallbackTarget()
	if c != "0xabc" || m != "onRandom" {
		t.Fatalf("got %q %q", c, m)
	}
	r.CallbackHash = "0xdef"
	c, m = r.CallbackTarget()
	if c != "0xdef" || m != "" {
		t.Fatalf("got %q %q", c, m)
	}
}

func TestOnChainID(t *testing.T) {
	r := &Request{ID: "req_x", ExternalID: "42"}
	if r.OnChainID().Int64() != 42 {
		t.Fatalf("numeric external id not used: %s", r.OnChainID())
	}
	r.ExternalID = "automation:t1:3"
	a := r.OnChainID()
	b := r.OnChainID()
	if a.Cmp(b) != 0 || a.Sign() == 0 {
		t.Fatal("hashed id should be stable and non-zero")
	}
}
