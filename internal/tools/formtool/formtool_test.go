package formtool_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/voiceform/internal/form"
	"github.com/MrWong99/voiceform/internal/tools"
	"github.com/MrWong99/voiceform/internal/tools/formtool"
)

func newRegistry(t *testing.T, opts ...formtool.Option) (*tools.Registry, *form.Manager) {
	t.Helper()
	m := form.NewManager(nil)
	r := tools.NewRegistry()
	if err := r.Register(formtool.Tools(m, opts...)...); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r, m
}

func TestDefinitions(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	var names []string
	for _, d := range r.Definitions() {
		names = append(names, d.Name)
		if d.Parameters["type"] != "object" {
			t.Errorf("%s parameters type = %v", d.Name, d.Parameters["type"])
		}
	}
	if want := []string{"open_form", "fill_field", "validate_form", "submit_form"}; !slices.Equal(names, want) {
		t.Errorf("names = %v; want %v", names, want)
	}
}

func TestOpenFormDefaults(t *testing.T) {
	t.Parallel()

	r, m := newRegistry(t)
	res := r.Call(context.Background(), "open_form", nil)
	if res["success"] != true || res["form_type"] != "contact" || res["title"] != formtool.DefaultTitle {
		t.Errorf("result = %v", res)
	}
	if cur, ok := m.CurrentForm(); !ok || cur.Type != "contact" {
		t.Errorf("current form = %+v, %v", cur, ok)
	}
}

func TestOpenFormUnknownType(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	res := r.Call(context.Background(), "open_form", map[string]any{"form_type": "invoice"})
	if res["success"] != false || res["code"] != string(form.CodeUnknownFormType) {
		t.Fatalf("result = %v", res)
	}
	if types, _ := res["available_types"].([]string); len(types) != 4 {
		t.Errorf("available_types = %v", res["available_types"])
	}
}

func TestFillFieldUnknownFieldCarriesContext(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	r.Call(context.Background(), "open_form", map[string]any{"form_type": "contact"})
	res := r.Call(context.Background(), "fill_field", map[string]any{"field_name": "shoe size", "value": "44"})

	if res["success"] != false {
		t.Fatalf("result = %v", res)
	}
	if msg, _ := res["error"].(string); len(msg) < 6 || msg[:6] != "Field " {
		t.Errorf("error = %q", res["error"])
	}
	if fields, _ := res["available_fields"].([]string); !slices.Equal(fields, []string{"name", "email", "phone", "message"}) {
		t.Errorf("available_fields = %v", res["available_fields"])
	}
}

func TestFillFieldArguments(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	r.Call(context.Background(), "open_form", map[string]any{"form_type": "registration"})

	if res := r.Call(context.Background(), "fill_field", map[string]any{"field_name": "age"}); res["error"] != "Missing field_name or value" {
		t.Errorf("missing value result = %v", res)
	}
	res := r.Call(context.Background(), "fill_field", map[string]any{"field_name": "age", "value": float64(37)})
	if res["success"] != true || res["value"] != "37" {
		t.Errorf("numeric value result = %v", res)
	}
}

func TestValidateAndSubmit(t *testing.T) {
	t.Parallel()

	var stored []form.Submission
	r, m := newRegistry(t, formtool.WithSubmitter(func(_ context.Context, s form.Submission) error {
		stored = append(stored, s)
		return nil
	}))
	ctx := context.Background()
	r.Call(ctx, "open_form", map[string]any{"form_type": "feedback"})
	r.Call(ctx, "fill_field", map[string]any{"field_name": "rating", "value": "5"})

	res := r.Call(ctx, "submit_form", map[string]any{})
	if res["code"] != string(form.CodeValidationFailed) {
		t.Fatalf("submit incomplete = %v", res)
	}
	details, _ := res["validation_details"].(map[string]any)
	if missing, _ := details["missing_required_fields"].([]string); !slices.Equal(missing, []string{"feedback"}) {
		t.Errorf("validation_details = %v", details)
	}

	r.Call(ctx, "fill_field", map[string]any{"field_name": "feedback", "value": "lovely"})
	v := r.Call(ctx, "validate_form", nil)
	if v["success"] != true || v["is_valid"] != true {
		t.Errorf("validate = %v", v)
	}

	if res := r.Call(ctx, "submit_form", map[string]any{"confirm": false}); res["code"] != string(form.CodeSubmissionCancelled) {
		t.Errorf("cancel = %v", res)
	}

	res = r.Call(ctx, "submit_form", map[string]any{"confirm": "true"})
	if res["success"] != true || res["stored"] != true {
		t.Fatalf("submit = %v", res)
	}
	if len(stored) != 1 || stored[0].Fields["rating"].Value != "5" {
		t.Errorf("stored = %+v", stored)
	}
	if _, ok := m.CurrentForm(); ok {
		t.Error("form still open after submit")
	}
}

func TestSubmitStoreFailureStillSubmits(t *testing.T) {
	t.Parallel()

	r, m := newRegistry(t, formtool.WithSubmitter(func(context.Context, form.Submission) error {
		return errors.New("database down")
	}))
	ctx := context.Background()
	r.Call(ctx, "open_form", map[string]any{"form_type": "feedback"})
	r.Call(ctx, "fill_field", map[string]any{"field_name": "rating", "value": "3"})
	r.Call(ctx, "fill_field", map[string]any{"field_name": "feedback", "value": "ok"})

	res := r.Call(ctx, "submit_form", nil)
	if res["success"] != true || res["stored"] != false {
		t.Errorf("result = %v", res)
	}
	if m.Stats().FormsSubmitted != 1 {
		t.Error("submission not counted")
	}
}

func TestNoActiveForm(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	for _, name := range []string{"validate_form", "submit_form"} {
		res := r.Call(context.Background(), name, nil)
		if res["code"] != string(form.CodeNoActiveForm) {
			t.Errorf("%s = %v", name, res)
		}
	}
}
