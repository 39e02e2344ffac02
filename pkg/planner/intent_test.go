package planner

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		text string
		want Intent
	}{
		{"create 10 trees in a circle", IntentArrange},
		{"create a circular arrangement of rocks", IntentArrange},
		{"lay out 9 crates in a grid", IntentArrange},
		{"spawn a tree", IntentSpawn},
		{"add three lamps", IntentSpawn},
		{"delete all rocks", IntentDelete},
		{"remove the chair", IntentDelete},
		{"move the chair up 100", IntentTransform},
		{"rotate the statue by 90 degrees", IntentTransform},
		{"set the lamp color to red", IntentModifyProperty},
		{"make the lamp red", IntentModifyProperty},
		{"how many trees are there?", IntentQuery},
		{"list the lights", IntentQuery},
		{"hello there", IntentUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := ClassifyIntent(tt.text); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestExtractParameters(t *testing.T) {
	tests := []struct {
		text string
		want map[string]string
	}{
		{
			text: "create 10 trees in a circle",
			want: map[string]string{ParamCount: "10", ParamLabel: "tree", ParamShape: ShapeCircle},
		},
		{
			text: "Create ten trees in a circle with radius 300",
			want: map[string]string{ParamCount: "10", ParamLabel: "tree", ParamShape: ShapeCircle, ParamRadius: "300"},
		},
		{
			text: "add three lamps",
			want: map[string]string{ParamCount: "3", ParamLabel: "lamp", ParamClass: "PointLight"},
		},
		{
			text: "move the chair to (100, 200, 0)",
			want: map[string]string{ParamTarget: "chair", ParamLabel: "chair", ParamLocation: "100,200,0"},
		},
		{
			text: "move the chair up 50",
			want: map[string]string{ParamTarget: "chair", ParamLabel: "chair", ParamOffset: "0,0,50"},
		},
		{
			text: "rotate the statue by 90 degrees",
			want: map[string]string{ParamTarget: "statue", ParamLabel: "statue", ParamRotation: "90"},
		},
		{
			text: "set the color of the lamp to blue",
			want: map[string]string{ParamTarget: "lamp", ParamLabel: "lamp", ParamClass: "PointLight", ParamProperty: "color", ParamValue: "blue"},
		},
		{
			text: "make the lamp red",
			want: map[string]string{ParamTarget: "lamp", ParamLabel: "lamp", ParamClass: "PointLight", ParamProperty: "color", ParamValue: "red"},
		},
		{
			text: "delete all rocks",
			want: map[string]string{ParamTarget: "rocks", ParamLabel: "rock"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := ExtractParameters(tt.text)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parameters mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSingular(t *testing.T) {
	tests := map[string]string{
		"trees":   "tree",
		"boxes":   "box",
		"bushes":  "bush",
		"berries": "berry",
		"glass":   "glass",
		"tree":    "tree",
	}
	for in, want := range tests {
		if got := Singular(in); got != want {
			t.Errorf("Singular(%q): expected %q, got %q", in, want, got)
		}
	}
}
