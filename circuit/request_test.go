package circuit

import "testing"

func TestCanHandleRequest(t *testing.T) {
	policy, err := ParseExitPolicySummary("accept 80,443")
	if err != nil {
		t.Fatalf("ParseExitPolicySummary: %v", err)
	}

	allowed := ExitRequest{Host: "example.com", Port: 443}
	if !CanHandleRequest(policy, allowed) {
		t.Fatal("expected port 443 to be handled")
	}

	denied := ExitRequest{Host: "example.com", Port: 22}
	if CanHandleRequest(policy, denied) {
		t.Fatal("expected port 22 to be denied")
	}
}

func TestCanHandleRequestRejectsAllDefault(t *testing.T) {
	req := ExitRequest{Host: "example.com", Port: 80}
	if CanHandleRequest(RejectsAll, req) {
		t.Fatal("RejectsAll policy should never handle a request")
	}
}
