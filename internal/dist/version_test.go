package dist

import (
	"errors"
	"strings"
	"testing"
)

func TestExtractVersion(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{
			name:  "double quoted",
			input: "# changelog header\nVERSION = \"1.2.0\"\nother = 1\n",
			want:  "1.2.0",
		},
		{
			name:  "single quoted",
			input: "VERSION = '3.0.0-beta1'\n",
			want:  "3.0.0-beta1",
		},
		{
			name:  "no spaces around equals",
			input: "VERSION=\"0.9\"\n",
			want:  "0.9",
		},
		{
			name:  "first marker line wins",
			input: "VERSION = \"1.0.0\"\nVERSION = \"2.0.0\"\n",
			want:  "1.0.0",
		},
		{
			name:    "marker absent",
			input:   "name = \"thermod-monitor-mqtt\"\n",
			wantErr: ErrNoVersion,
		},
		{
			name:    "indented marker does not count",
			input:   "  VERSION = \"1.0.0\"\n",
			wantErr: ErrNoVersion,
		},
		{
			name:    "empty file",
			input:   "",
			wantErr: ErrNoVersion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractVersion(strings.NewReader(tt.input), DefaultMarker)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractVersion() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ExtractVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractVersion_MalformedLiteral(t *testing.T) {
	tests := []string{
		"VERSION = 1.2.0\n",      // unquoted
		"VERSION = \"1.2.0'\n",   // mismatched quotes
		"VERSION = \"\"\n",       // empty version
		"VERSION = \"unclosed\n", // unterminated
	}
	for _, input := range tests {
		if _, err := ExtractVersion(strings.NewReader(input), DefaultMarker); err == nil {
			t.Errorf("ExtractVersion(%q) should fail", input)
		}
	}
}

func TestExtractVersion_CustomMarker(t *testing.T) {
	got, err := ExtractVersion(strings.NewReader("__version__ = '2.1.0'\n"), "__version__")
	if err != nil {
		t.Fatalf("ExtractVersion() error = %v", err)
	}
	if got != "2.1.0" {
		t.Errorf("ExtractVersion() = %q, want %q", got, "2.1.0")
	}
}
