package volume

import "testing"

func TestExtractLoopDevice(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    string
		wantErr bool
	}{
		{name: "plain device path", output: "/dev/loop0\n", want: "/dev/loop0"},
		{name: "trailing period", output: "Mapped file /path to /dev/loop3.\n", want: "/dev/loop3"},
		{name: "extra whitespace", output: "  /dev/loop1  \n", want: "/dev/loop1"},
		{name: "empty output", output: "", wantErr: true},
		{name: "whitespace only", output: "   \n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractLoopDevice([]byte(tt.output))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("extractLoopDevice(%q) expected error, got %q", tt.output, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("extractLoopDevice(%q) error = %v", tt.output, err)
			}
			if got != tt.want {
				t.Errorf("extractLoopDevice(%q) = %q, want %q", tt.output, got, tt.want)
			}
		})
	}
}
