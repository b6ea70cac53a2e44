package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/seantiz/flextest/internal/model"
)

func TestResolveInputs(t *testing.T) {
	e := New(nil, nil, nil)
	e.cache.Set("cached", 1)
	producers := map[model.TypeTag][]string{"rows": {"Load"}}

	tests := []struct {
		name    string
		inputs  []model.TypeTag
		reason  string
		wantErr error
	}{
		{name: "cached and well-known", inputs: []model.TypeTag{"cached", model.TagUnit, model.TagLogger}},
		{name: "producer failed", inputs: []model.TypeTag{"rows"}, reason: "missing dependency rows (from Load)"},
		{name: "never produced", inputs: []model.TypeTag{"ghost"}, wantErr: ErrInconsistent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, err := e.resolveInputs(model.UnitDescriptor{Name: "U", Inputs: tt.inputs}, producers)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveInputs: %v", err)
			}
			if !strings.Contains(reason, tt.reason) || (tt.reason == "" && reason != "") {
				t.Errorf("reason = %q, want %q", reason, tt.reason)
			}
		})
	}
}
