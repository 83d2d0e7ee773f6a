package main

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestWrapString(t *testing.T) {
	text := "Close client connections idle for this many seconds, 0 disables it and keeps them open forever"
	for _, line := range strings.Split(wrapString(text), "\n") {
		if len(line) > wrap {
			t.Errorf("line %q longer than %d", line, wrap)
		}
	}
	if got := strings.Join(strings.Fields(wrapString(text)), " "); got != text {
		t.Errorf("wrapString changed the words: %q", got)
	}
}

func TestBuildOptions(t *testing.T) {
	tests := []struct {
		name        string
		set         map[string]interface{}
		wantErr     bool
		wantMetrics bool
	}{
		{
			name: "defaults",
			set:  map[string]interface{}{},
		},
		{
			name:        "metrics enabled",
			set:         map[string]interface{}{"metrics-addr": "127.0.0.1:9121"},
			wantMetrics: true,
		},
		{
			name:    "bad log level",
			set:     map[string]interface{}{"log-level": "verbose"},
			wantErr: true,
		},
		{
			name:    "bad id ordering",
			set:     map[string]interface{}{"id-ordering": "lexical"},
			wantErr: true,
		},
		{
			name:    "bad keys matching",
			set:     map[string]interface{}{"keys-matching": "regex"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			if err := viper.BindPFlags(rootCmd.Flags()); err != nil {
				t.Fatalf("BindPFlags: %v", err)
			}
			for k, v := range tt.set {
				viper.Set(k, v)
			}

			opts, vm, err := buildOptions()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("buildOptions: %v", err)
			}
			if len(opts) == 0 {
				t.Error("no options built")
			}
			if (vm != nil) != tt.wantMetrics {
				t.Errorf("metrics collector present = %v, want %v", vm != nil, tt.wantMetrics)
			}
		})
	}
}
