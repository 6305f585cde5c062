package logging

import "testing"

func TestNew(t *testing.T) {
	for _, tc := range []struct {
		level, format string
		ok            bool
	}{
		{"info", "json", true},
		{"debug", "console", true},
		{"", "", true},
		{"loud", "json", false},
		{"info", "xml", false},
	} {
		l, err := New(tc.level, tc.format)
		if tc.ok && err != nil {
			t.Fatalf("%s/%s: %v", tc.level, tc.format, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s/%s: expected error", tc.level, tc.format)
		}
		if l != nil {
			_ = l.Sync()
		}
	}
}
