// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestPackData(t *testing.T) {
	tests := []struct {
		pat  string
		args []string
		want string
		rest []string
	}{
		{"", nil, "", nil},
		{"r", []string{"abc"}, "abc", nil},
		{"q", []string{`a\tb`}, "a\tb", nil},
		{"s s", []string{"ab", ""}, "\x02ab\x00", nil},
		{"% %", []string{"true", "false"}, "\x01\x00", nil},
		{"1 2 4", []string{"1", "2", "3"}, "\x01\x00\x02\x00\x00\x00\x03", nil},
		{"< 2 > 2", []string{"1", "1"}, "\x01\x00\x00\x01", nil},
		{"i l", []string{"-1", "2"}, "\xff\xff\xff\xff\x00\x00\x00\x00\x00\x00\x00\x02", nil},
		{"(r r)", []string{"ab", "c"}, "\x03abc", nil},
		{"@(r)", []string{"xy"}, "\x00\x02xy", nil},
		{"(r (r))", []string{"a", "b"}, "\x03a\x01b", nil},
		{"r", []string{"a", "b"}, "a", []string{"b"}},
	}
	for _, tc := range tests {
		got, rest, err := packData(tc.pat, tc.args)
		if err != nil {
			t.Errorf("packData(%q, %q): unexpected error: %v", tc.pat, tc.args, err)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("packData(%q, %q): got %q, want %q", tc.pat, tc.args, got, tc.want)
		}
		if diff := cmp.Diff(tc.rest, rest, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("packData(%q) rest (-want, +got):\n%s", tc.pat, diff)
		}
	}
}

func TestPackErrors(t *testing.T) {
	tests := []struct {
		pat  string
		args []string
	}{
		{"x", []string{"1"}},
		{"r", nil},
		{"(r", []string{"a"}},
		{"1", []string{"256"}},
		{"v", []string{"-1"}},
		{"%", []string{"maybe"}},
		{"q", []string{`\`}},
	}
	for _, tc := range tests {
		if got, _, err := packData(tc.pat, tc.args); err == nil {
			t.Errorf("packData(%q, %q): got %q, want error", tc.pat, tc.args, got)
		}
	}
}

func TestNATSSubjects(t *testing.T) {
	// Both ends of a link must agree on the subjects.
	srvUp, srvDown := natsSubjects("west", "east")
	if srvUp == srvDown {
		t.Errorf("Subjects are not distinct: %q", srvUp)
	}
	if up, down := natsSubjects("east", "west"); up == srvUp || down == srvDown {
		t.Errorf("Reverse link shares subjects with forward link: %q %q", up, down)
	}
}
