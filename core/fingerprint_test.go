package core

import "testing"

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("pay my invoice", "/payments", "post", map[string]string{"X-User": "u1"})
	b := Fingerprint("pay my invoice", "/payments", "POST", map[string]string{"x-user": "u1"})

	if a == "" {
		t.Fatal("Fingerprint() returned empty digest")
	}
	if a != b {
		t.Errorf("method case and header case should not change the fingerprint: %q != %q", a, b)
	}
	if len(a) != 32 {
		t.Errorf("Fingerprint() length = %d, want 32 hex chars", len(a))
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint("pay my invoice", "/payments", "POST", nil)

	tests := []struct {
		name string
		text string
		path string
	}{
		{"different text", "reset my password", "/payments"},
		{"different path", "pay my invoice", "/billing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fingerprint(tt.text, tt.path, "POST", nil); got == base {
				t.Errorf("expected a different fingerprint for %s", tt.name)
			}
		})
	}
}
